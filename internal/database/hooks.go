package database

import (
	"time"

	"github.com/ReadySet1/destino-sf-sub000/internal/metrics"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

const startTimeKey = "metrics:start_time"

// RegisterMetricsHooks times every create/query/update/delete and reports it to the collector
func RegisterMetricsHooks(db *gorm.DB, collector *metrics.Metrics) error {
	start := func(tx *gorm.DB) {
		tx.InstanceSet(startTimeKey, time.Now())
	}
	finish := func(op string) func(tx *gorm.DB) {
		return func(tx *gorm.DB) {
			collector.RecordDatabaseQuery(op, tx.Error == nil || errors.Is(tx.Error, gorm.ErrRecordNotFound), elapsed(tx))
		}
	}

	cb := db.Callback()
	hooks := []struct {
		name string
		err  error
	}{
		{"duration:create", cb.Create().Before("gorm:create").Register("duration:create", start)},
		{"duration:query", cb.Query().Before("gorm:query").Register("duration:query", start)},
		{"duration:update", cb.Update().Before("gorm:update").Register("duration:update", start)},
		{"duration:delete", cb.Delete().Before("gorm:delete").Register("duration:delete", start)},
		{"metrics:create", cb.Create().After("gorm:create").Register("metrics:create", finish("insert"))},
		{"metrics:query", cb.Query().After("gorm:query").Register("metrics:query", finish("select"))},
		{"metrics:update", cb.Update().After("gorm:update").Register("metrics:update", finish("update"))},
		{"metrics:delete", cb.Delete().After("gorm:delete").Register("metrics:delete", finish("delete"))},
	}
	for _, h := range hooks {
		if h.err != nil {
			return errors.Wrapf(h.err, "failed to register %s hook", h.name)
		}
	}
	return nil
}

func elapsed(tx *gorm.DB) time.Duration {
	if start, ok := tx.InstanceGet(startTimeKey); ok {
		return time.Since(start.(time.Time))
	}
	return 0
}
