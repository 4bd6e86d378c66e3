package cli

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/Masterminds/squirrel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	_ "modernc.org/sqlite"

	"rowloader/internal/config"
	"rowloader/internal/core/tx"
	"rowloader/internal/domain/loader"
	"rowloader/internal/infrastructure/cache"
	"rowloader/internal/infrastructure/plugins"
	"rowloader/internal/infrastructure/storage/postgres"
	"rowloader/internal/infrastructure/storage/sqldb"
	"rowloader/internal/registry"
	"rowloader/pkg/logger"
)

// runtime is everything a command needs, built from the global flags.
type runtime struct {
	cfg      *config.Config
	log      *logger.Logger
	registry *registry.Registry
	snapshot tx.Snapshotter
	pool     *postgres.Pool
	cache    *cache.ResultCache
	metrics  *prometheus.Registry
	closers  []func()
}

// setup loads configuration and definitions. With connect, loaders run
// against the configured database; otherwise they can only build SQL.
func setup(ctx context.Context, opts *RootOptions, connect bool) (*runtime, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	log, err := cfg.Logger()
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	def, err := registry.LoadFile(opts.DefinitionsPath)
	if err != nil {
		return nil, err
	}
	loaderOpts, err := cfg.LoaderOptions(log)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, log: log}
	exec, err := rt.executor(ctx, connect)
	if err != nil {
		rt.Close()
		return nil, err
	}

	reg, err := registry.Build(def, registry.Deps{
		Executor: exec,
		Plugins:  rt.plugins(ctx, connect),
		Options:  loaderOpts,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.registry = reg
	return rt, nil
}

func (rt *runtime) executor(ctx context.Context, connect bool) (loader.Executor, error) {
	switch rt.cfg.Database.Driver {
	case "sqlite":
		if !connect {
			return sqldb.New(nil, squirrel.Question), nil
		}
		db, err := sql.Open("sqlite", rt.cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping sqlite: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = db.Close() })
		rt.snapshot = sqldb.NewTxManager(db, nil)
		return sqldb.New(db, squirrel.Question, sqldb.WithSystem("sqlite")), nil
	default:
		if !connect {
			return postgres.NewExecutorFromQuerier(nil), nil
		}
		pool, err := postgres.NewPool(ctx, rt.cfg.PoolConfig())
		if err != nil {
			return nil, err
		}
		rt.pool = pool
		txm, opts := postgres.NewTxManager(pool), rt.cfg.TxOptions()
		rt.snapshot = tx.SnapshotFunc(func(ctx context.Context, fn func(ctx context.Context) error) error {
			return txm.RunInTransactionWithOptions(ctx, opts, fn)
		})
		rt.closers = append(rt.closers, pool.Close)
		return postgres.NewExecutor(pool), nil
	}
}

// plugins returns the configured plugins. Metrics come first so cache hits
// are counted.
func (rt *runtime) plugins(ctx context.Context, connect bool) []loader.Plugin {
	var out []loader.Plugin
	if rt.cfg.Metrics.Enabled {
		rt.metrics = prometheus.NewRegistry()
		out = append(out, plugins.NewMetrics(rt.metrics, rt.cfg.Metrics.Namespace).Plugin())
	}
	if t := rt.cfg.SlowQuery.Threshold; t > 0 {
		out = append(out, plugins.SlowQuery(t, rt.log))
	}
	if rt.cfg.Cache.Enabled {
		rt.cache = cache.NewResultCache(rt.cfg.Cache.TTL, rt.cfg.Cache.MaxEntries)
		if connect && rt.pool != nil {
			rt.cache.Listen(ctx, rt.pool.Unwrap(), rt.cfg.Cache.Channel)
			rt.closers = append(rt.closers, rt.cache.Stop)
		}
		out = append(out, rt.cache.Plugin())
	}
	return out
}

// run calls fn inside a snapshot transaction when configured.
func (rt *runtime) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if rt.snapshot == nil || !rt.cfg.Database.Snapshot {
		return tx.Direct.RunInSnapshot(ctx, fn)
	}
	return rt.snapshot.RunInSnapshot(ctx, fn)
}

// writeMetrics dumps the collected metrics in the Prometheus text format.
func (rt *runtime) writeMetrics(w io.Writer) error {
	if rt.metrics == nil {
		return nil
	}
	families, err := rt.metrics.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}

func (rt *runtime) loader(name string) (*loader.Loader, error) {
	l, ok := rt.registry.Loader(name)
	if !ok {
		return nil, fmt.Errorf("unknown loader %q (have %v)", name, rt.registry.Loaders())
	}
	return l, nil
}

// Close releases connections in reverse order of acquisition.
func (rt *runtime) Close() {
	if rt.pool != nil {
		rt.pool.LogStats(context.Background())
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
	_ = rt.log.Sync()
}
