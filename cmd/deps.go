package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/evetrack/killfeed/internal/esi"
	"github.com/evetrack/killfeed/internal/pipeline"
	"github.com/evetrack/killfeed/internal/runlock"
	"github.com/evetrack/killfeed/internal/store"
	"github.com/evetrack/killfeed/internal/zkill"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "killfeed.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initLock() (*runlock.Lock, *runlock.RedisKV, error) {
	kv, err := runlock.NewRedisKV(cfg.Redis.URL)
	if err != nil {
		return nil, nil, eris.Wrap(err, "connect redis")
	}
	return runlock.New(kv, cfg.Redis.LockKey, cfg.Redis.LockTTL()), kv, nil
}

// env bundles the wired dependencies of a command.
type env struct {
	Store    store.Store
	Lock     *runlock.Lock
	Pipeline *pipeline.Pipeline

	redis *runlock.RedisKV
}

func (e *env) Close() {
	if e.redis != nil {
		e.redis.Close() //nolint:errcheck
	}
	e.Store.Close() //nolint:errcheck
}

func initPipeline(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}

	feed := zkill.NewClient(cfg.Feed.UserAgent,
		zkill.WithBaseURL(cfg.Feed.BaseURL),
		zkill.WithMinInterval(time.Duration(cfg.Feed.MinIntervalMS)*time.Millisecond),
	)
	detail := esi.NewClient(cfg.Detail.UserAgent,
		esi.WithBaseURL(cfg.Detail.BaseURL),
		esi.WithMinInterval(time.Duration(cfg.Detail.MinIntervalMS)*time.Millisecond),
	)

	lock, kv, err := initLock()
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	p := pipeline.New(st, feed, detail, lock, pipeline.Config{
		Budget:            cfg.Pull.Budget(),
		MaxPagesPerMonth:  cfg.Pull.MaxPagesPerMonth,
		RepairLimit:       cfg.Repair.Limit,
		RepairConcurrency: cfg.Repair.Concurrency,
		RetentionMonths:   cfg.Retention.Months,
	})
	return &env{Store: st, Lock: lock, Pipeline: p, redis: kv}, nil
}
