package pnet

import "context"

// PacketClient is what collaborators (UI, persistence, reporting) hold.
type PacketClient interface {
	Start() error         // start capture, no-op when already running
	Stop() error          // stop capture, no-op when idle
	Reset()               // drop all statistics and alert state
	GetSnapshot() Result  // read-only copy of per-process statistics
	AllNetworkProcesses(ctx context.Context) ([]ProcessIdentity, error)
}

// LoggerInterface is satisfied by *zap.SugaredLogger.
type LoggerInterface interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Error(args ...interface{})
}
