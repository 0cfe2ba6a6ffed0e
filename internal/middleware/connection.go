package middleware

import (
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// RecoverConn recovers from a panic inside a broker connection handler
// and logs it, mirroring RecoveryMiddleware's guard for the one code
// path in the daemon that isn't net/http-based. Callers defer this at
// the top of their per-connection goroutine.
func RecoverConn(logger *logrus.Logger, remoteAddr string) {
	if err := recover(); err != nil {
		logger.WithFields(logrus.Fields{
			"error":       err,
			"remote_addr": remoteAddr,
			"stack":       string(debug.Stack()),
		}).Error("panic recovered in broker connection")
	}
}

// LogCommand logs one broker command dispatch, following the admin
// HTTP logging middleware's field convention.
func LogCommand(logger *logrus.Logger, sessionID, remoteAddr, command, outcome string, durationMS int64) {
	logger.WithFields(logrus.Fields{
		"session_id":  sessionID,
		"remote_addr": remoteAddr,
		"command":     command,
		"outcome":     outcome,
		"duration_ms": durationMS,
	}).Info("broker command")
}
