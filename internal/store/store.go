// Package store persists the amoCRM OAuth token pair.
package store

import (
	"context"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/salesops-cli/internal/config"
	"github.com/sells-group/salesops-cli/pkg/amocrm"
)

// tokenKey identifies the single token row/key in every backend.
const tokenKey = "amocrm"

// TokenStore is an amocrm.TokenStore that owns a closable resource.
type TokenStore interface {
	amocrm.TokenStore
	io.Closer
}

// Open returns the token store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (TokenStore, error) {
	switch cfg.Driver {
	case "", "file":
		return NewFile(cfg.TokenFile), nil
	case "sqlite":
		s, err := NewSQLite(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	case "redis":
		return NewRedis(cfg.RedisURL)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
