/*
Package storage provides persistent state storage for VentiScan using BoltDB.

Two buckets hold the orchestrator's durable state: principals (accounts and
credential hashes) and scans (scan records with their embedded chunks).
Values are JSON-encoded; writes are upserts inside a single BoltDB
transaction, so a scan and its chunk bookkeeping persist atomically.

Large artifacts — canonical spec copies, mini-specs, findings files — do not
live here. They are plain files under the configured artifact root (see
pkg/specstore and pkg/merge); the store only records their relative paths.

Missing records return types.ErrNotFound wrapped with the lookup key.
*/
package storage
