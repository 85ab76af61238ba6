/*
Package safety vets scan targets and fetches remote spec documents.

Target URLs must be plain HTTP(S) on an allowlisted port, carry no
credentials, and resolve exclusively to public addresses. Loopback,
RFC1918, unique-local and link-local ranges (including the cloud
metadata endpoint) are all refused, as is any hostname with a single
internal record among its answers.

The spec fetcher dials the vetted address rather than the hostname, so a
DNS answer that flips between validation and connect cannot steer the
request inside the perimeter. Fetches follow at most five redirects,
re-vetting every hop, cap the body size, and sit behind a circuit
breaker that fails fast after repeated upstream failures.
*/
package safety
