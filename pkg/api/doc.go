// Package api is the HTTP control plane: login, scan submission and
// lifecycle, findings retrieval and principal management. Handlers
// translate domain errors into a uniform JSON envelope and never leak
// internals; every mutating route sits behind bearer auth and a
// per-principal rate bucket.
package api
