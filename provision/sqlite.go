package provision

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/immutablenpc/npc/ledger"
)

//go:embed schema.sql
var schemaSQL string

// Schema versions:
// 0 - initial table
// 1 - index on status
const currentSchemaVersion = 1

// SQLiteProgress is a ProgressStore backed by a SQLite database in WAL mode.
type SQLiteProgress struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and applies pragmas and
// migrations. Use ":memory:" for a throwaway store.
func OpenSQLite(path string) (*SQLiteProgress, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open progress database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect progress database: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteProgress{db: db}, nil
}

func (s *SQLiteProgress) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("execute %q: %w", p, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version < 1 {
		if _, err := db.Exec("CREATE INDEX IF NOT EXISTS provisioning_status ON provisioning(status)"); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

const progressColumns = "account, owner_key, initial_state_cid, avatar_cid, completed, status, last_error, updated_at"

func (s *SQLiteProgress) Load(ctx context.Context, account ledger.Name) (Progress, bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+progressColumns+" FROM provisioning WHERE account = ?", account.String())
	p, err := scanProgress(row)
	if err == sql.ErrNoRows {
		return Progress{}, false, nil
	}
	if err != nil {
		return Progress{}, false, fmt.Errorf("load progress for %s: %w", account, err)
	}
	return p, true, nil
}

func (s *SQLiteProgress) Save(ctx context.Context, p Progress) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO provisioning (`+progressColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(account) DO UPDATE SET
    owner_key = excluded.owner_key,
    initial_state_cid = excluded.initial_state_cid,
    avatar_cid = excluded.avatar_cid,
    completed = excluded.completed,
    status = excluded.status,
    last_error = excluded.last_error,
    updated_at = excluded.updated_at`,
		p.Account.String(), p.OwnerKey, p.InitialStateCID, p.AvatarCID,
		int(p.Completed), string(p.Status), p.LastError, p.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save progress for %s: %w", p.Account, err)
	}
	return nil
}

func (s *SQLiteProgress) Delete(ctx context.Context, account ledger.Name) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM provisioning WHERE account = ?", account.String()); err != nil {
		return fmt.Errorf("delete progress for %s: %w", account, err)
	}
	return nil
}

func (s *SQLiteProgress) List(ctx context.Context) ([]Progress, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+progressColumns+" FROM provisioning ORDER BY account")
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()

	var out []Progress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("list progress: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProgress(sc scanner) (Progress, error) {
	var (
		p         Progress
		account   string
		completed int
		status    string
		updated   int64
	)
	if err := sc.Scan(&account, &p.OwnerKey, &p.InitialStateCID, &p.AvatarCID, &completed, &status, &p.LastError, &updated); err != nil {
		return Progress{}, err
	}
	name, err := ledger.ParseName(account)
	if err != nil {
		return Progress{}, err
	}
	p.Account = name
	p.Completed = Step(completed)
	p.Status = Status(status)
	p.UpdatedAt = time.UnixMilli(updated).UTC()
	return p, nil
}
