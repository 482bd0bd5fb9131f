package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/chartwise-health/chartwise/internal/merger"
	"github.com/chartwise-health/chartwise/internal/pipeline"
	"github.com/chartwise-health/chartwise/internal/review"
	"github.com/chartwise-health/chartwise/internal/store"
	"github.com/chartwise-health/chartwise/internal/textextract"
	anthropicpkg "github.com/chartwise-health/chartwise/pkg/anthropic"
)

// appEnv holds the initialized store and services shared by the
// process/serve/review commands.
type appEnv struct {
	Store     store.Store
	Processor *pipeline.Processor
	Merger    *merger.Merger
	Review    *review.Service
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "chartwise.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv sets up the store, runs migrations, and wires the extraction
// pipeline and review service. Callers should defer env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	aiClient := anthropicpkg.NewClient(cfg.Anthropic)
	extractor := textextract.NewPdfToText(cfg.Extract)
	m := merger.New(st)
	proc := pipeline.New(cfg, st, aiClient, extractor, m)

	return &appEnv{
		Store:     st,
		Processor: proc,
		Merger:    m,
		Review:    review.NewService(st, m),
	}, nil
}
