package server

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/crystal-mush/mushcore/pkg/events"
	"github.com/crystal-mush/mushcore/pkg/world"
)

// SessionDB stores session accounting rows in SQLite.
type SessionDB struct {
	db   *sql.DB
	path string
}

// OpenSessionDB opens the accounting database, sets WAL mode and creates
// the schema.
func OpenSessionDB(path string) (*SessionDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	schema := `CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at INTEGER NOT NULL,
		event TEXT NOT NULL,
		player INTEGER NOT NULL,
		descriptor INTEGER NOT NULL,
		site TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		commands INTEGER NOT NULL DEFAULT 0,
		conn_secs INTEGER NOT NULL DEFAULT 0,
		lost_bytes INTEGER NOT NULL DEFAULT 0,
		record TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS sessions_player ON sessions(player, at)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sessions table: %w", err)
	}
	return &SessionDB{db: db, path: path}, nil
}

// Close closes the accounting database.
func (s *SessionDB) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SessionDB) insert(ev events.Event, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (at, event, player, descriptor, site, reason, commands, conn_secs, lost_bytes, record)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		at.Unix(), ev.Type.String(), int(ev.Player), ev.Desc, ev.Addr,
		ev.Reason, ev.Cmds, ev.ConnSecs, ev.Lost, ev.Text)
	return err
}

// SessionRow is one accounting row, as read back for the admin surface.
type SessionRow struct {
	At       time.Time
	Event    string
	Player   world.DBRef
	Site     string
	Reason   string
	Cmds     int
	ConnSecs int
}

// Recent returns the newest n rows for a player, newest first.
func (s *SessionDB) Recent(player world.DBRef, n int) ([]SessionRow, error) {
	rows, err := s.db.Query(
		`SELECT at, event, player, site, reason, commands, conn_secs
		 FROM sessions WHERE player = ? ORDER BY at DESC, id DESC LIMIT ?`,
		int(player), n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		var at int64
		var p int
		if err := rows.Scan(&at, &r.Event, &p, &r.Site, &r.Reason, &r.Cmds, &r.ConnSecs); err != nil {
			return nil, err
		}
		r.At = time.Unix(at, 0)
		r.Player = world.DBRef(p)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Purge deletes rows older than the cutoff, returning the count removed.
// Run it from a maintenance command or a periodic hook; the table is
// otherwise append-only.
func (s *SessionDB) Purge(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE at < ?`, olderThan.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SessionWriter is a global event bus subscriber that records session
// lifecycle events in the accounting database.
type SessionWriter struct {
	sdb    *SessionDB
	mu     sync.Mutex
	closed bool
}

// NewSessionWriter creates a session writer and registers it as a global
// subscriber on the bus.
func NewSessionWriter(bus *events.Bus, sdb *SessionDB) *SessionWriter {
	if sdb == nil {
		return nil
	}
	sw := &SessionWriter{sdb: sdb}
	bus.SubscribeGlobal(sw)
	return sw
}

// Receive implements events.Subscriber. Only session lifecycle events are
// stored.
func (sw *SessionWriter) Receive(ev events.Event) {
	switch ev.Type {
	case events.EvConnect, events.EvDisconnect, events.EvReject:
	default:
		return
	}
	if err := sw.sdb.insert(ev, time.Now()); err != nil {
		log.Printf("ACCT: insert error: %v", err)
	}
}

// Closed implements events.Subscriber.
func (sw *SessionWriter) Closed() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.closed
}

// Close marks the writer closed so the bus stops delivering events.
func (sw *SessionWriter) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.closed = true
}
