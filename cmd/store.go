package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/product-scout/internal/config"
	"github.com/sells-group/product-scout/internal/store"
)

// initStore opens the configured backend and applies migrations.
func initStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	var st store.Store
	switch sc.Driver {
	case "sqlite":
		dsn := sc.DatabaseURL
		if dsn == "" {
			dsn = "scout.db"
		}
		s, err := store.NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		st = s
	case "postgres":
		s, err := store.NewPostgres(ctx, sc.DatabaseURL, &store.PoolConfig{MaxConns: sc.MaxConns, MinConns: sc.MinConns})
		if err != nil {
			return nil, err
		}
		st = s
	default:
		return nil, eris.Errorf("unsupported store driver: %s", sc.Driver)
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}
