/*
Package auth provides credential verification and bearer token issuance.

Passwords are stored as bcrypt hashes and compared in constant time; the
unknown-login path burns an equivalent comparison so response timing does
not reveal whether an account exists. Tokens are HS256 JWTs signed under
the process-wide secret, carrying the subject principal ID and its role as
claims with an absolute, non-renewable expiry (default 24h).

Verify loads the subject from the store on every call, so tokens for
deleted or deactivated principals die at next use regardless of expiry.
The role claim avoids a store lookup for ordinary authorization, but
privileged operations (dangerous scans, admin endpoints) call RequireAdmin,
which re-checks the live role to close stale-claim windows.
*/
package auth
