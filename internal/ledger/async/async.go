// Package async wraps a ledger.Store with buffered background writes so
// recording an ask never blocks the completion path.
package async

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ocbridge/chatgpt-bridge/internal/ledger"
)

// Store queues entries in memory and flushes them in batches. Entries still
// buffered when the process dies are lost; the ledger is diagnostics, not
// billing.
type Store struct {
	underlying    ledger.Store
	entries       chan ledger.Entry
	batchSize     int
	flushInterval time.Duration
	logger        *log.Logger

	wg   sync.WaitGroup
	stop chan struct{}
}

// Config tunes the flush behavior. Zero values get modest defaults; asks
// arrive at most every few seconds, so one writer is enough.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	Buffer        int
	Logger        *log.Logger
}

// New starts the background writer over an existing store.
func New(underlying ledger.Store, cfg Config) *Store {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}

	s := &Store{
		underlying:    underlying,
		entries:       make(chan ledger.Entry, cfg.Buffer),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		logger:        cfg.Logger,
		stop:          make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writer()
	return s
}

func (s *Store) writer() {
	defer s.wg.Done()

	batch := make([]ledger.Entry, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx := context.Background()
		for _, entry := range batch {
			if err := s.underlying.Record(ctx, entry); err != nil && s.logger != nil {
				s.logger.Printf("ledger flush failed request_id=%s err=%v", entry.RequestID, err)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-s.entries:
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stop:
			close(s.entries)
			for entry := range s.entries {
				batch = append(batch, entry)
			}
			flush()
			return
		}
	}
}

// Record queues the entry without blocking; when the buffer is full the
// entry is dropped rather than stalling a completion.
func (s *Store) Record(_ context.Context, entry ledger.Entry) error {
	select {
	case s.entries <- entry:
	default:
		if s.logger != nil {
			s.logger.Printf("ledger buffer full, dropping entry request_id=%s", entry.RequestID)
		}
	}
	return nil
}

// Summary delegates to the underlying store. Buffered entries are not yet
// visible.
func (s *Store) Summary(ctx context.Context) (ledger.Summary, error) {
	return s.underlying.Summary(ctx)
}

// ListRecent delegates to the underlying store.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]ledger.Entry, error) {
	return s.underlying.ListRecent(ctx, limit)
}

// Close drains the buffer, flushes, and closes the underlying store.
func (s *Store) Close() error {
	close(s.stop)
	s.wg.Wait()
	return s.underlying.Close()
}
