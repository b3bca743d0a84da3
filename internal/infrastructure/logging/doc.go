// Package logging builds the zap loggers used by the host and its sandbox
// workers.
//
// The host logs JSON to stdout in production and colored console output in
// development (Config.Development). Components receive a *zap.Logger, usually
// Named after their role, and attach typed fields such as scope_id,
// worker_id and object.
//
// Worker processes call NewWorker instead. It writes JSON lines to stderr at
// the level given in SCRIPTHOST_WORKER_LOG_LEVEL and stamps each line with the
// worker pid. The host reads those lines and re-logs them at their original
// level under its own "worker" logger.
//
//	logger, err := logging.New(logging.Config{Level: "debug"})
//	if err != nil {
//		return err
//	}
//	defer logger.Sync()
//	logger.Named("environment").Info("Environment rebuilt", zap.String("object", path))
package logging
