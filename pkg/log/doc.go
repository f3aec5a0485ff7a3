/*
Package log provides structured logging for kodegend using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component- and entity-scoped child loggers, configurable log levels, and
helper functions for common logging patterns. All logs include timestamps and
support filtering by severity level for production debugging.

Every supervised unit (worker or fleet member) logs through a child logger
tagged with its entity name, so the operator can trace a single child process
through spawn, health checks, restarts, and shutdown:

	logger := log.WithEntity("filesystem")
	logger.Info().Int("pid", pid).Msg("server spawned")

Output defaults to human-readable console format; pass --log-json to the CLI
for machine-parseable JSON lines.
*/
package log
