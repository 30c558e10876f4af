package mntn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/danmuck/cnasreg/internal/protocol"
)

const traceSchema = `
CREATE TABLE IF NOT EXISTS trace (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	at            TEXT NOT NULL,
	kind          TEXT NOT NULL,
	module        TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL DEFAULT '',
	msg_name      INTEGER NOT NULL,
	sender_ctx    INTEGER NOT NULL,
	sender_task   INTEGER NOT NULL,
	receiver_ctx  INTEGER NOT NULL,
	receiver_task INTEGER NOT NULL,
	length        INTEGER NOT NULL,
	detail        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_trace_kind ON trace(kind);
`

const DefaultTraceQueue = 1024

var ErrTraceStoreClosed = errors.New("mntn: trace store closed")

type traceOp struct {
	entry Entry
	done  chan struct{}
}

// TraceStore persists maintenance records to sqlite. Records are queued and
// written by one goroutine; a full queue drops the record.
type TraceStore struct {
	db      *sql.DB
	queue   chan traceOp
	wg      sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Uint64
	mu      sync.RWMutex
}

// OpenTraceStore opens (or creates) the trace database at path. ":memory:"
// is accepted.
func OpenTraceStore(path string, queue int) (*TraceStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("mntn: trace path required")
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("mntn: trace dir: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("mntn: open trace db: %w", err)
	}
	// one connection so ":memory:" stays a single database
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(traceSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mntn: create trace schema: %w", err)
	}
	if queue <= 0 {
		queue = DefaultTraceQueue
	}
	s := &TraceStore{db: db, queue: make(chan traceOp, queue)}
	s.wg.Add(1)
	go s.writer()
	return s, nil
}

func (s *TraceStore) LogMessage(env protocol.Envelope, msg protocol.Message) {
	s.enqueue(messageEntry(env, msg))
}

func (s *TraceStore) LogUnhandled(rec UnhandledRecord) {
	s.enqueue(unhandledEntry(rec))
}

func (s *TraceStore) LogFault(rec FaultRecord) {
	s.enqueue(faultEntry(rec))
}

// Dropped counts records lost to a full queue.
func (s *TraceStore) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *TraceStore) enqueue(e Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return
	}
	select {
	case s.queue <- traceOp{entry: e}:
	default:
		s.dropped.Add(1)
	}
}

// Flush waits until every record queued before the call is written.
func (s *TraceStore) Flush(ctx context.Context) error {
	done := make(chan struct{})
	s.mu.RLock()
	if s.closed.Load() {
		s.mu.RUnlock()
		return ErrTraceStoreClosed
	}
	select {
	case s.queue <- traceOp{done: done}:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *TraceStore) writer() {
	defer s.wg.Done()
	stmt, err := s.db.Prepare(`INSERT INTO trace
		(at, kind, module, state, msg_name, sender_ctx, sender_task, receiver_ctx, receiver_task, length, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		log.Error().Err(err).Msg("mntn.TraceStore prepare")
	}
	if stmt != nil {
		defer stmt.Close()
	}
	for op := range s.queue {
		if op.done != nil {
			close(op.done)
			continue
		}
		if stmt == nil {
			continue
		}
		e := op.entry
		env := e.Envelope
		_, err := stmt.Exec(
			e.At.UTC().Format(time.RFC3339Nano),
			string(e.Kind),
			e.Module,
			e.State,
			uint32(env.Name),
			uint32(env.Sender.Ctx),
			uint32(env.Sender.Task),
			uint32(env.Receiver.Ctx),
			uint32(env.Receiver.Task),
			env.Length,
			e.Detail,
		)
		if err != nil {
			log.Warn().Err(err).Str("kind", string(e.Kind)).Msg("mntn.TraceStore insert")
		}
	}
}

// Recent returns up to limit records, newest first. An empty kind matches
// every kind.
func (s *TraceStore) Recent(ctx context.Context, kind Kind, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT at, kind, module, state, msg_name,
		sender_ctx, sender_task, receiver_ctx, receiver_task, length, detail
		FROM trace WHERE (? = '' OR kind = ?) ORDER BY id DESC LIMIT ?`,
		string(kind), string(kind), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			at, k, module, state, detail string
			name, sctx, stask, rctx, rtask uint32
			length                         uint32
		)
		if err := rows.Scan(&at, &k, &module, &state, &name, &sctx, &stask, &rctx, &rtask, &length, &detail); err != nil {
			return nil, err
		}
		ts, _ := time.Parse(time.RFC3339Nano, at)
		out = append(out, Entry{
			At:     ts,
			Kind:   Kind(k),
			Module: module,
			State:  state,
			Envelope: protocol.Envelope{
				Sender:   protocol.Address{Ctx: protocol.ContextID(sctx), Task: protocol.TaskID(stask)},
				Receiver: protocol.Address{Ctx: protocol.ContextID(rctx), Task: protocol.TaskID(rtask)},
				Name:     protocol.MsgName(name),
				Length:   length,
			},
			Detail: detail,
		})
	}
	return out, rows.Err()
}

// Close drains the queue and closes the database.
func (s *TraceStore) Close() error {
	s.mu.Lock()
	if s.closed.Swap(true) {
		s.mu.Unlock()
		return nil
	}
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
	return s.db.Close()
}
