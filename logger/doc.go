// Package logger provides structured logging capabilities.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	log.Info("execution finished", zap.String("execution_id", id))
package logger
