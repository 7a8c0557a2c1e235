package transactions

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// transactionLogger accumulates per-attempt log entries.  The entries travel
// with the transaction's Result and with terminal failures so that callers
// can diagnose retries they never observed directly; they are also mirrored
// to the configured logrus logger at debug level.
type transactionLogger struct {
	lock    sync.Mutex
	entries []string
	mirror  *logrus.Entry
}

func newTransactionLogger(logger *logrus.Logger, transactionID string) *transactionLogger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &transactionLogger{
		mirror: logger.WithField("txn", transactionID),
	}
}

func (tl *transactionLogger) logf(attemptID string, format string, args ...interface{}) {
	entry := fmt.Sprintf("%s %s %s",
		time.Now().UTC().Format(time.RFC3339Nano),
		attemptID,
		fmt.Sprintf(format, args...))

	tl.lock.Lock()
	tl.entries = append(tl.entries, entry)
	tl.lock.Unlock()

	tl.mirror.WithField("attempt", attemptID).Debug(fmt.Sprintf(format, args...))
}

// Logs returns a copy of the accumulated entries.
func (tl *transactionLogger) Logs() []string {
	tl.lock.Lock()
	defer tl.lock.Unlock()

	logs := make([]string, len(tl.entries))
	copy(logs, tl.entries)
	return logs
}
