// Package archive persists broadcast messages to SQLite as a write-behind
// sink. The in-memory history store remains authoritative for the protocol
// surface; the archive serves operator queries and age-based cleanup, and
// survives restarts on a best-effort basis only.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"signalhub/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	sender_id    TEXT NOT NULL,
	room         TEXT NOT NULL,
	body         TEXT NOT NULL,
	kind         TEXT NOT NULL,
	principal_id TEXT,
	timestamp    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
`

// Archive wraps a SQLite database behind a single-writer goroutine so
// concurrent handlers never contend on SQLite's write lock.
type Archive struct {
	db       *sql.DB
	writeCh  chan *types.Message
	shutdown chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

// Open creates or opens the archive database at path.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	db.SetMaxOpenConns(4)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply archive schema: %w", err)
	}

	a := &Archive{
		db:       db,
		writeCh:  make(chan *types.Message, 256),
		shutdown: make(chan struct{}),
	}
	a.wg.Add(1)
	go a.writeLoop()
	return a, nil
}

func (a *Archive) writeLoop() {
	defer a.wg.Done()

	for {
		select {
		case msg := <-a.writeCh:
			if err := a.insert(msg); err != nil {
				log.Printf("Archive write failed for message %s: %v", msg.ID, err)
			}
		case <-a.shutdown:
			// Drain pending writes before exiting.
			for {
				select {
				case msg := <-a.writeCh:
					if err := a.insert(msg); err != nil {
						log.Printf("Archive write failed during drain: %v", err)
					}
				default:
					return
				}
			}
		}
	}
}

func (a *Archive) insert(msg *types.Message) error {
	_, err := a.db.Exec(
		`INSERT OR IGNORE INTO messages (id, sender_id, room, body, kind, principal_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SenderID, msg.Room, msg.Body, msg.Kind, msg.PrincipalID, msg.Timestamp,
	)
	return err
}

// Store queues a message for persistence. Never blocks: when the queue is
// full the message is dropped, which is acceptable for a best-effort sink.
func (a *Archive) Store(msg *types.Message) {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return
	}
	a.mu.RUnlock()

	select {
	case a.writeCh <- msg:
	default:
		log.Printf("Archive queue full, dropping message %s", msg.ID)
	}
}

// PurgeRoom deletes all archived messages for a room. Called on room
// deletion.
func (a *Archive) PurgeRoom(ctx context.Context, room string) (int64, error) {
	res, err := a.db.ExecContext(ctx, `DELETE FROM messages WHERE room = ?`, room)
	if err != nil {
		return 0, fmt.Errorf("failed to purge archived room %s: %w", room, err)
	}
	return res.RowsAffected()
}

// PurgeOlderThan deletes archived messages timestamped before cutoff and
// returns how many were removed.
func (a *Archive) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := a.db.ExecContext(ctx, `DELETE FROM messages WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge archive: %w", err)
	}
	return res.RowsAffected()
}

// Count reports the number of archived messages, for stats endpoints.
func (a *Archive) Count(ctx context.Context) (int64, error) {
	var n int64
	err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count archive: %w", err)
	}
	return n, nil
}

// HealthCheck verifies the database is reachable.
func (a *Archive) HealthCheck(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

// Close flushes pending writes and closes the database.
func (a *Archive) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	close(a.shutdown)
	a.wg.Wait()
	return a.db.Close()
}
