package delivery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-dispatch/internal/core"
	"github.com/google/uuid"
)

const (
	ledgerTimeout = 5 * time.Second

	logCleanupFailed = "failed to delete temporary audio %s: %v"
	logLedgerFailed  = "cleanup ledger %s for %s failed: %v"
	logSweep         = "cleanup sweep: %d overdue files deleted, %d rescheduled"
)

// CleanupScheduler deletes temporary files once, after a fixed delay.
//
// Without a ledger the schedule lives only in memory and is best effort:
// files pending at process exit are left behind. With a ledger every entry
// is recorded before its timer is armed, and Sweep on the next start deletes
// whatever a previous process did not get to.
type CleanupScheduler struct {
	delay  time.Duration
	ledger core.CleanupLedger
	log    *logger.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// NewCleanupScheduler creates a scheduler. ledger may be nil.
func NewCleanupScheduler(delay time.Duration, ledger core.CleanupLedger, log *logger.Logger) *CleanupScheduler {
	return &CleanupScheduler{
		delay:  delay,
		ledger: ledger,
		log:    log,
		timers: make(map[string]*time.Timer),
	}
}

// Schedule arranges for path to be deleted after the configured delay and
// returns the entry key. It never blocks on the deletion itself.
func (s *CleanupScheduler) Schedule(ctx context.Context, path string) string {
	entry := core.CleanupEntry{
		Key:      uuid.NewString(),
		Path:     path,
		DeleteAt: time.Now().Add(s.delay),
	}

	if s.ledger != nil {
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
		defer cancel()

		err := s.ledger.Record(recordCtx, entry)
		if err != nil {
			s.log.Warn(logLedgerFailed, "record", path, err)
		}
	}

	s.arm(entry, s.delay)

	return entry.Key
}

func (s *CleanupScheduler) arm(entry core.CleanupEntry, after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	s.timers[entry.Key] = time.AfterFunc(after, func() {
		s.fire(entry)
	})
}

// fire deletes the file unless the entry was already handled.
func (s *CleanupScheduler) fire(entry core.CleanupEntry) {
	s.mu.Lock()
	_, pending := s.timers[entry.Key]
	delete(s.timers, entry.Key)
	s.mu.Unlock()

	if !pending {
		return
	}

	s.remove(entry)
}

func (s *CleanupScheduler) remove(entry core.CleanupEntry) {
	err := os.Remove(entry.Path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn(logCleanupFailed, entry.Path, err)
	}

	if s.ledger == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()

	forgetErr := s.ledger.Forget(ctx, entry.Key)
	if forgetErr != nil {
		s.log.Warn(logLedgerFailed, "forget", entry.Path, forgetErr)
	}
}

// Pending counts deletions that have not fired yet.
func (s *CleanupScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.timers)
}

// Sweep handles the entries a previous process left in the ledger: overdue
// files are deleted now, the others are rescheduled for their deadline.
func (s *CleanupScheduler) Sweep(ctx context.Context) (int, error) {
	if s.ledger == nil {
		return 0, nil
	}

	entries, err := s.ledger.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading cleanup ledger: %w", err)
	}

	now := time.Now()
	deleted := 0
	rescheduled := 0

	for _, entry := range entries {
		s.mu.Lock()
		_, armed := s.timers[entry.Key]
		s.mu.Unlock()

		if armed {
			continue
		}

		if !entry.DeleteAt.After(now) {
			s.remove(entry)

			deleted++

			continue
		}

		s.arm(entry, entry.DeleteAt.Sub(now))

		rescheduled++
	}

	s.log.Info(logSweep, deleted, rescheduled)

	return deleted, nil
}

// Stop disarms every pending timer. Ledger entries are kept so that the
// next Sweep still deletes the files.
func (s *CleanupScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true

	for key, timer := range s.timers {
		timer.Stop()
		delete(s.timers, key)
	}
}
