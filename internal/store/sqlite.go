package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/salesops-cli/pkg/amocrm"
)

// SQLiteStore keeps the token pair in a SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = "salesops.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS oauth_tokens (
	name          TEXT PRIMARY KEY,
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	expires_at    INTEGER NOT NULL,
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context) (*amocrm.Token, error) {
	var (
		tok amocrm.Token
		exp int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at FROM oauth_tokens WHERE name = ?`,
		tokenKey,
	).Scan(&tok.AccessToken, &tok.RefreshToken, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load token")
	}
	if exp > 0 {
		tok.Expiry = time.Unix(exp, 0).UTC()
	}
	return &tok, nil
}

func (s *SQLiteStore) Save(ctx context.Context, tok amocrm.Token) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_tokens (name, access_token, refresh_token, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		tokenKey, tok.AccessToken, tok.RefreshToken, unixOrZero(tok.Expiry), time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: save token")
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
