/*
Package ratelimit throttles control-API traffic with per-subject token
buckets.

Each named bucket (login, start-scan, upload, default) carries its own
policy; login keys on client IP since the caller is not yet
authenticated, the rest key on principal ID. Denials report a
retry-after hint and increment the denial counter for the bucket. A
background sweeper drops buckets idle long enough to have refilled,
bounding memory under IP churn.
*/
package ratelimit
