// Package promptlog implements the "Prompt logging queue" collaborator
// spec.md treats as an out-of-scope fire-and-forget sink (§1). SPEC_FULL.md
// gives it a concrete home on ClickHouse, grounded on the teacher's own
// go.mod (clickhouse-go/v2) and the comment in internal/app/init.go noting
// the async logger "is not wired in the open-source build. In the managed
// version this connects to ClickHouse for analytics." — this package is
// that wiring, built in the same non-blocking batched-channel shape as
// internal/logger/logger.go.
package promptlog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// Row is one logged request/response pair.
type Row struct {
	RequestID    string
	Token        string
	Service      string
	Model        string
	Family       string
	PromptTokens int64
	OutputTokens int64
	Status       int
	DurationMS   int64
	Streamed     bool
	At           time.Time
}

// Sink is a fire-and-forget prompt-log collaborator. Enqueue never blocks
// the request path; a full buffer drops the row and increments Dropped.
type Sink struct {
	rows    chan Row
	dropped int64
	wg      sync.WaitGroup
	done    chan struct{}
	logger  *slog.Logger

	conn driver
}

// driver is the subset of clickhouse.Conn the sink uses, so a no-op sink
// (no DSN configured) and a real connection share one code path.
type driver interface {
	AsyncInsert(ctx context.Context, query string, wait bool, args ...any) error
	Close() error
}

// noopDriver is used when promptlog.clickhouseDSN is empty: rows are
// accepted and discarded without being logged or shipped anywhere, so the
// rest of the pipeline never has to special-case "logging disabled".
type noopDriver struct{ logger *slog.Logger }

func (n noopDriver) AsyncInsert(ctx context.Context, query string, wait bool, args ...any) error {
	return nil
}
func (n noopDriver) Close() error { return nil }

const batchFlushInterval = 2 * time.Second
const bufferSize = 4096

// New constructs a Sink. If dsn is empty, rows are accepted but discarded
// (a no-op sink), matching the teacher's "log but don't fail startup
// without optional infra" philosophy in internal/app/init.go.
func New(dsn string, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var d driver
	if dsn == "" {
		d = noopDriver{logger: logger}
	} else {
		opts, err := clickhouse.ParseDSN(dsn)
		if err != nil {
			return nil, err
		}
		conn, err := clickhouse.Open(opts)
		if err != nil {
			return nil, err
		}
		d = conn
	}

	s := &Sink{
		rows:   make(chan Row, bufferSize),
		done:   make(chan struct{}),
		logger: logger,
		conn:   d,
	}
	s.wg.Add(1)
	go s.loop()
	return s, nil
}

// Enqueue submits a row for async insertion. Non-blocking: if the buffer is
// full the row is dropped and Dropped() is incremented.
func (s *Sink) Enqueue(r Row) {
	select {
	case s.rows <- r:
	default:
		atomic.AddInt64(&s.dropped, 1)
	}
}

// Dropped returns the count of rows dropped due to a full buffer.
func (s *Sink) Dropped() int64 { return atomic.LoadInt64(&s.dropped) }

func (s *Sink) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(batchFlushInterval)
	defer ticker.Stop()

	var batch []Row
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.insertBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-s.done:
			flush()
			return
		case r := <-s.rows:
			batch = append(batch, r)
			if len(batch) >= 256 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *Sink) insertBatch(batch []Row) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, r := range batch {
		err := s.conn.AsyncInsert(ctx,
			`INSERT INTO prompt_log
			 (request_id, token, service, model, family, prompt_tokens, output_tokens, status, duration_ms, streamed, at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			false,
			r.RequestID, r.Token, r.Service, r.Model, r.Family,
			r.PromptTokens, r.OutputTokens, r.Status, r.DurationMS, r.Streamed, r.At,
		)
		if err != nil {
			s.logger.Warn("promptlog: insert failed", slog.String("error", err.Error()), slog.String("request_id", r.RequestID))
		}
	}
}

// Close stops the background loop, flushing any buffered rows first.
func (s *Sink) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.conn.Close()
}
