/*
Package log provides structured logging for VentiScan using zerolog.

The package wraps zerolog with a global logger initialized via Init(),
component-specific child loggers, and helpers for the fields that recur
throughout the orchestrator (scan ID, chunk index, principal). Output is
JSON in production and human-readable console format in development.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	ctrlLog := log.WithComponent("controller")
	ctrlLog.Info().Str("scan_id", id).Msg("worker spawned")

	chunkLog := log.WithChunk(scanID, 2)
	chunkLog.Error().Err(err).Msg("worker exited abnormally")

Security events additionally flow through pkg/events, which writes to this
logger's audit stream; never log credentials or raw target response bodies.
*/
package log
