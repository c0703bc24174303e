package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/priceindex-cli/internal/fetcher"
	"github.com/sells-group/priceindex-cli/internal/ingest"
	"github.com/sells-group/priceindex-cli/internal/store"
)

// ingestEnv holds the initialized dependencies of the ingestion commands.
type ingestEnv struct {
	Source  ingest.Source
	Backend store.Backend
	Manager *store.Manager
	Engine  *ingest.Engine
}

// Close releases the database connection.
func (e *ingestEnv) Close() {
	if e.Backend != nil {
		_ = e.Backend.Close()
	}
}

// initSource resolves the configured source profile with URL overrides.
func initSource() (ingest.Source, error) {
	src, err := ingest.LookupSource(cfg.Ingest.Source)
	if err != nil {
		return ingest.Source{}, err
	}
	return src.WithOverrides(cfg.Ingest.BaseURL, cfg.Ingest.ListingURL), nil
}

// initStore opens the configured backend and applies the run log migration.
func initStore(ctx context.Context) (store.Backend, error) {
	b, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, err
	}
	if err := b.Migrate(ctx); err != nil {
		_ = b.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return b, nil
}

func newFetcher() *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:         cfg.Ingest.UserAgent,
		Timeout:           cfg.Ingest.Timeout(),
		RequestsPerPeriod: cfg.Ingest.RequestsPerPeriod,
		Period:            cfg.Ingest.Period(),
		MaxRetries:        cfg.Ingest.MaxRetries,
		RateLimitWait:     cfg.Ingest.RateLimitWait(),
		MaxRateLimitWaits: cfg.Ingest.MaxRateLimitWaits,
	})
}

// initIngest builds the engine. withStore is false for steps that never touch
// the database.
func initIngest(ctx context.Context, withStore bool) (*ingestEnv, error) {
	src, err := initSource()
	if err != nil {
		return nil, err
	}

	env := &ingestEnv{Source: src}
	if withStore {
		b, err := initStore(ctx)
		if err != nil {
			return nil, err
		}
		env.Backend = b
		env.Manager = store.NewManager(b, src.Schema)
	}

	var runs store.RunLog
	if env.Backend != nil {
		runs = env.Backend
	}
	env.Engine = ingest.NewEngine(src, newFetcher(), env.Manager, runs, ingest.Options{
		DataDir:             cfg.Ingest.DataDir,
		ReportDir:           cfg.Ingest.ReportDir,
		AllowZeroIndex:      cfg.Validation.AllowZeroIndex,
		NormalizerCacheSize: cfg.Ingest.NormalizerCacheSize,
	})
	return env, nil
}
