/*
Package types defines VentiScan's core data model: scans, chunks, findings,
principals and worker profiles, plus the error taxonomy shared by all
components.

A Scan exclusively owns its Chunks; chunks reference their parent by scan ID
only, never by pointer, so the object graph stays acyclic. Jobs (pkg/queue)
and workers (pkg/controller) address chunks by the (scan ID, chunk index)
pair.

State enumerations (ScanState, ChunkState, ExitKind) are typed strings so
they serialize naturally in JSON bodies and bbolt records while remaining
exhaustive in switch statements.
*/
package types
