// Package index keeps a derived, rebuildable SQLite index of sessions and
// comms for listing/filter queries the JSON/JSONL files on disk are poor
// at answering (state filters, legion joins). It is explicitly
// non-authoritative: Open truncates whatever is there and replays every
// session's state.json and comms.jsonl under the data directory (legion
// files are not read), so losing the
// index file is a non-event, never a data-loss incident.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/legionforge/legion/internal/comm"
	"github.com/legionforge/legion/internal/legion"
	"github.com/legionforge/legion/internal/session"
)

// Index wraps a sql.DB connection to the derived SQLite database.
type Index struct {
	conn *sql.DB
}

// Open creates a new Index at path, applies migrations, and rebuilds its
// contents from sessions and legions.
func Open(path string, sessions *session.Manager, legions *legion.Manager) (*Index, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("index: open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("index: ping sqlite: %w", err)
	}

	migrationsFS, err := fs.Sub(MigrationFS, "migrations")
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("index: migrations sub-fs: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, migrationsFS)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("index: create migration provider: %w", err)
	}
	if _, err := provider.Up(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("index: apply migrations: %w", err)
	}

	idx := &Index{conn: conn}
	if err := idx.Rebuild(sessions, legions); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("index: initial rebuild: %w", err)
	}
	return idx, nil
}

// Close closes the database connection.
func (idx *Index) Close() error {
	return idx.conn.Close()
}

// Rebuild truncates both tables and replays every known session's state
// and comm log into them. Safe to call any time; the index is always
// derivable from the authoritative JSON/JSONL files.
func (idx *Index) Rebuild(sessions *session.Manager, legions *legion.Manager) error {
	tx, err := idx.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin rebuild transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM comms`); err != nil {
		return fmt.Errorf("index: truncate comms: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM sessions`); err != nil {
		return fmt.Errorf("index: truncate sessions: %w", err)
	}

	for _, s := range sessions.ListSessions() {
		if _, err := tx.Exec(
			`INSERT INTO sessions (id, display_name, slug, state, legion_id, model, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, s.DisplayName, s.Slug, string(s.State), nullableString(s.LegionID), s.Model,
			s.CreatedAt.UTC().Format(timeLayout), s.UpdatedAt.UTC().Format(timeLayout),
		); err != nil {
			return fmt.Errorf("index: insert session %s: %w", s.ID, err)
		}

		comms, err := readCommLog(sessions.GetSessionDirectory(s.ID))
		if err != nil {
			return fmt.Errorf("index: reading comm log for %s: %w", s.ID, err)
		}
		for _, c := range comms {
			if err := insertComm(tx, c); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

func insertComm(tx *sql.Tx, c comm.Comm) error {
	_, err := tx.Exec(
		`INSERT OR IGNORE INTO comms (comm_id, comm_type, content, timestamp, from_user, from_minion_id, to_user, to_minion_id, to_channel_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.Type), c.Content, c.Timestamp.UTC().Format(timeLayout),
		boolToInt(c.FromUser), nullableString(c.FromMinionID),
		boolToInt(c.ToUser), nullableString(c.ToMinionID), nullableString(c.ToChannelID),
	)
	if err != nil {
		return fmt.Errorf("index: insert comm %s: %w", c.ID, err)
	}
	return nil
}

// ListSessionsByState returns every indexed session in the given state,
// or every session if state is empty.
func (idx *Index) ListSessionsByState(state string) ([]SessionRow, error) {
	query := `SELECT id, display_name, slug, state, legion_id, model, created_at, updated_at FROM sessions`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := idx.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("index: list sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		var legionID sql.NullString
		if err := rows.Scan(&r.ID, &r.DisplayName, &r.Slug, &r.State, &legionID, &r.Model, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("index: scan session row: %w", err)
		}
		r.LegionID = legionID.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// SessionRow is a flattened, query-friendly projection of session.Session.
type SessionRow struct {
	ID          string
	DisplayName string
	Slug        string
	State       string
	LegionID    string
	Model       string
	CreatedAt   string
	UpdatedAt   string
}

const timeLayout = "2006-01-02T15:04:05.000000000Z"

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
