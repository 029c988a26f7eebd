/*
Package log wraps zerolog to provide structured logging with a global
logger and a handful of context-logger helpers (WithComponent, WithTaskID,
WithQueueIdentity).

# Usage

	import "github.com/cuemby/vectorlink-task/pkg/log"

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	log.Logger.Info().Str("service", "indexer").Msg("worker starting")

	queueLog := log.WithQueueIdentity(identity)
	queueLog.Error().Err(err).Msg("claim renewal failed")
*/
package log
