package lnworker

import (
	"io"
	"os"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// Loggers per subsystem, following the teacher's daemon/log.go pattern: a
// single backend writes to a rotating log file, and each subsystem gets a
// tagged sub-logger carved out of that backend.
var (
	logWriter = &logMultiWriter{}

	backendLog = btclog.NewBackend(logWriter)

	logRotator *rotator.Rotator

	peerLog = backendLog.Logger("PEER")
	chdbLog = backendLog.Logger("CHDB")
	lfclLog = backendLog.Logger("LFCL")
	pymtLog = backendLog.Logger("PYMT")
	invcLog = backendLog.Logger("INVC")
	swepLog = backendLog.Logger("SWEP")
	wtclLog = backendLog.Logger("WTCL")
	gospLog = backendLog.Logger("GOSP")
)

// logMultiWriter fans log output out to stdout and, once initialized, the
// rotating log file. It implements io.Writer.
type logMultiWriter struct{}

func (w *logMultiWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

// InitLogRotator initializes the rotating log file at logFile. It must be
// called before any subsystem logger is used if file logging is desired;
// loggers work (stdout-only) even if it is never called.
func InitLogRotator(logFile string, maxRolls int) error {
	r, err := rotator.New(logFile, 10*1024, false, maxRolls)
	if err != nil {
		return err
	}
	logRotator = r
	return nil
}

// SetLogLevel sets every subsystem logger to level.
func SetLogLevel(level btclog.Level) {
	for _, l := range []btclog.Logger{
		peerLog, chdbLog, lfclLog, pymtLog, invcLog, swepLog, wtclLog, gospLog,
	} {
		l.SetLevel(level)
	}
}

var _ io.Writer = (*logMultiWriter)(nil)
