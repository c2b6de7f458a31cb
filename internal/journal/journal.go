package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/oshokin/torchd/internal/domain/torch"
	"github.com/oshokin/torchd/internal/logger"
)

// Kind classifies journal entries.
type Kind string

const (
	// KindState records an intensity change.
	KindState Kind = "state"
	// KindError records a lifecycle error.
	KindError Kind = "error"
	// KindOwner records an owner-needed change of the primary host.
	KindOwner Kind = "owner"
)

const (
	dirPermissions = 0o750
	// busyTimeoutMS is how long SQLite waits for a lock.
	busyTimeoutMS = 5000
	// queueSize bounds events waiting for the writer.
	queueSize = 256
	// DefaultLimit is used by Recent when limit is zero.
	DefaultLimit = 50

	schema = `CREATE TABLE IF NOT EXISTS torch_events (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	recorded_at     INTEGER NOT NULL,
	kind            TEXT    NOT NULL,
	current         INTEGER NOT NULL DEFAULT 0,
	max_intensity   INTEGER NOT NULL DEFAULT 0,
	error_kind      TEXT    NOT NULL DEFAULT '',
	need_resource   INTEGER NOT NULL DEFAULT 0,
	need_foreground INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS torch_events_recorded_at ON torch_events (recorded_at);`
)

var (
	// ErrClosed is returned by Recent after Close.
	ErrClosed = errors.New("journal is closed")
	// ErrDisabled is returned by callers asking for history when no journal is configured.
	ErrDisabled = errors.New("journal is disabled")
)

// Entry is one recorded event.
type Entry struct {
	ID             int64
	At             time.Time
	Kind           Kind
	Current        int
	Max            int
	Error          torch.ErrorKind
	NeedResource   bool
	NeedForeground bool
}

// Journal is a SQLite-backed event log.
type Journal struct {
	db      *sql.DB
	path    string
	queue   chan Entry
	now     func() time.Time
	closed  atomic.Bool
	dropped atomic.Uint64
}

// Open creates the database file and schema if needed.
func Open(ctx context.Context, path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	// See https://github.com/mattn/go-sqlite3#connection-string.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL", path, busyTimeoutMS)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)

	if _, err = db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create journal schema: %w", err)
	}

	logger.DebugKV(ctx, "Journal opened", "path", path)

	return &Journal{
		db:    db,
		path:  path,
		queue: make(chan Entry, queueSize),
		now:   time.Now,
	}, nil
}

// Path returns the database location.
func (j *Journal) Path() string {
	return j.path
}

// Run writes queued entries until ctx is done, then flushes what is left.
func (j *Journal) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			j.flush(context.WithoutCancel(ctx))

			return nil
		case e := <-j.queue:
			j.write(ctx, e)
		}
	}
}

// OnStateChanged implements session.Listener.
func (j *Journal) OnStateChanged(ctx context.Context, current, maxIntensity int) {
	j.enqueue(ctx, Entry{Kind: KindState, Current: current, Max: maxIntensity})
}

// OnError implements session.Listener.
func (j *Journal) OnError(ctx context.Context, kind torch.ErrorKind) {
	j.enqueue(ctx, Entry{Kind: KindError, Error: kind})
}

// OnOwnerNeededChanged records owner-needed changes forwarded by a host.
func (j *Journal) OnOwnerNeededChanged(ctx context.Context, needResource, needForeground bool) {
	j.enqueue(ctx, Entry{Kind: KindOwner, NeedResource: needResource, NeedForeground: needForeground})
}

// Dropped returns how many entries were discarded because the queue was full.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if j.closed.Load() {
		return nil, ErrClosed
	}

	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := j.db.QueryContext(ctx, `SELECT id, recorded_at, kind, current, max_intensity, error_kind,
		need_resource, need_foreground FROM torch_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var entries []Entry

	for rows.Next() {
		var (
			e         Entry
			atMicros  int64
			kind      string
			errorKind string
		)

		if err = rows.Scan(&e.ID, &atMicros, &kind, &e.Current, &e.Max, &errorKind,
			&e.NeedResource, &e.NeedForeground); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}

		e.At = time.UnixMicro(atMicros).UTC()
		e.Kind = Kind(kind)

		if errorKind != "" {
			e.Error = torch.ParseErrorKind(errorKind)
		}

		entries = append(entries, e)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}

	return entries, nil
}

// Close flushes queued entries and closes the database.
func (j *Journal) Close(ctx context.Context) error {
	if !j.closed.CompareAndSwap(false, true) {
		return nil
	}

	j.flush(ctx)

	if err := j.db.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}

	return nil
}

func (j *Journal) enqueue(ctx context.Context, e Entry) {
	if j.closed.Load() {
		return
	}

	e.At = j.now()

	select {
	case j.queue <- e:
	default:
		j.dropped.Add(1)
		logger.WarnKV(ctx, "Journal queue is full, dropping event", "kind", e.Kind)
	}
}

func (j *Journal) flush(ctx context.Context) {
	for {
		select {
		case e := <-j.queue:
			j.write(ctx, e)
		default:
			return
		}
	}
}

func (j *Journal) write(ctx context.Context, e Entry) {
	var errorKind string
	if e.Kind == KindError {
		errorKind = e.Error.String()
	}

	_, err := j.db.ExecContext(ctx, `INSERT INTO torch_events
		(recorded_at, kind, current, max_intensity, error_kind, need_resource, need_foreground)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.At.UnixMicro(), string(e.Kind), e.Current, e.Max, errorKind, e.NeedResource, e.NeedForeground)
	if err != nil {
		logger.ErrorKV(ctx, "Failed to write journal entry", "kind", e.Kind, "error", err)
	}
}
