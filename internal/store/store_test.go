package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/salesops-cli/internal/config"
	"github.com/sells-group/salesops-cli/pkg/amocrm"
)

func sampleToken() amocrm.Token {
	return amocrm.Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
		Expiry:       time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	s := NewFile(path)
	ctx := context.Background()

	tok, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, tok, "missing file means nothing stored")

	require.NoError(t, s.Save(ctx, sampleToken()))

	tok, err = s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "access", tok.AccessToken)
	assert.Equal(t, "refresh", tok.RefreshToken)
	assert.True(t, tok.Expiry.Equal(sampleToken().Expiry))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must be renamed away")
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFile(path).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "tokens.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	tok, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, tok)

	require.NoError(t, s.Save(ctx, sampleToken()))
	next := sampleToken()
	next.AccessToken = "access-2"
	require.NoError(t, s.Save(ctx, next))

	tok, err = s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "access-2", tok.AccessToken)
	assert.True(t, tok.Expiry.Equal(next.Expiry))
}

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return &PostgresStore{pool: mock}, mock
}

func TestPostgresStore_Load_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT access_token, refresh_token, expires_at FROM oauth_tokens WHERE name = \$1`).
		WithArgs(tokenKey).
		WillReturnError(pgx.ErrNoRows)

	tok, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, tok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Load(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	exp := sampleToken().Expiry

	mock.ExpectQuery(`SELECT access_token, refresh_token, expires_at FROM oauth_tokens`).
		WithArgs(tokenKey).
		WillReturnRows(pgxmock.NewRows([]string{"access_token", "refresh_token", "expires_at"}).
			AddRow("access", "refresh", &exp))

	tok, err := s.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "access", tok.AccessToken)
	assert.True(t, tok.Expiry.Equal(exp))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Save_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT \(name\) DO UPDATE`).
		WithArgs(tokenKey, "access", "refresh", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Save(context.Background(), sampleToken()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS oauth_tokens`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Driver: "etcd"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown driver")
}

func TestOpen_FileDefault(t *testing.T) {
	s, err := Open(context.Background(), config.StoreConfig{TokenFile: filepath.Join(t.TempDir(), "t.json")})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)
	assert.NoError(t, s.Close())
}

func TestOpen_SQLite(t *testing.T) {
	s, err := Open(context.Background(), config.StoreConfig{
		Driver:      "sqlite",
		DatabaseURL: filepath.Join(t.TempDir(), "t.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Save(context.Background(), sampleToken()))
	tok, err := s.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "refresh", tok.RefreshToken)
}

func TestNewRedis_BadURL(t *testing.T) {
	_, err := NewRedis("http://not-redis")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis: parse url")
}

func TestTokenManager_PersistsThroughFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	s := NewFile(path)
	require.NoError(t, s.Save(context.Background(), amocrm.Token{
		AccessToken:  "persisted",
		RefreshToken: "persisted-r",
		Expiry:       time.Now().Add(time.Hour),
	}))

	m := amocrm.NewTokenManager(context.Background(), amocrm.OAuthConfig{BaseURL: "http://unused"}, s, amocrm.Token{
		AccessToken:  "seed",
		RefreshToken: "seed-r",
	})
	tok, err := m.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "persisted", tok)
}
