// Package plugins provides loader plugins for logging and metrics.
package plugins

import (
	"context"
	"time"

	"rowloader/internal/domain/loader"
	"rowloader/pkg/logger"
)

// SlowQuery logs executed calls that took at least threshold.
func SlowQuery(threshold time.Duration, log *logger.Logger) loader.Plugin {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent("slow_query")

	return loader.Plugin{
		Name: "slow_query",
		OnResult: func(ctx context.Context, call *loader.Call) error {
			if call.Duration < threshold {
				return nil
			}
			kv := []any{
				"loader", call.Loader,
				"op", string(call.Op),
				"duration", call.Duration,
				"sql", call.Statement.SQL,
				"args", len(call.Statement.Args),
			}
			if call.Count != nil {
				kv = append(kv, "count_sql", call.Count.SQL)
			}
			log.WithContext(ctx).Warnw("slow loader call", kv...)
			return nil
		},
	}
}
