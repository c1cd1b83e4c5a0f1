// Package logger provides the structured logging interface used across tgingest.
//
// It wraps zerolog. Console output is colored unless logging.no_color is set;
// when logging.file is configured every line is also appended there as JSON.
//
//	if err := logger.Initialize(&cfg.Logging); err != nil {
//	    return err
//	}
//	log := logger.GetLogger().WithField("component", "ingest")
//	log.InfoWithFields("Channel done", map[string]interface{}{
//	    "channel": "tikvahpharma",
//	    "written": 412,
//	})
//
// Components take a Logger through their constructors; tests pass NewTestLogger
// or NewNopLogger.
package logger
