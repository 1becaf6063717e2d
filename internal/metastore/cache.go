package metastore

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/keyed-store/internal/domain/model"
)

// Prometheus-метрики кэша таблиц.
var (
	tableCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ks_table_cache_hits_total",
		Help: "Общее количество попаданий в LRU-кэш определений таблиц.",
	})
	tableCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ks_table_cache_misses_total",
		Help: "Общее количество промахов LRU-кэша определений таблиц.",
	})
)

// CachedLoader — TableLoader с LRU-кэшем определений таблиц и TTL.
// Определение таблицы меняется редко; свойства commit.retry.* подхватываются
// не позже чем через TTL.
type CachedLoader struct {
	next  TableLoader
	cache *expirable.LRU[model.TableIdentifier, *model.KeyedTable]
}

// NewCachedLoader создаёт кэширующий загрузчик.
func NewCachedLoader(next TableLoader, maxSize int, ttl time.Duration) *CachedLoader {
	return &CachedLoader{
		next:  next,
		cache: expirable.NewLRU[model.TableIdentifier, *model.KeyedTable](maxSize, nil, ttl),
	}
}

// LoadTable возвращает копию определения таблицы из кэша или из next.
func (c *CachedLoader) LoadTable(ctx context.Context, id model.TableIdentifier) (*model.KeyedTable, error) {
	if t, ok := c.cache.Get(id); ok {
		tableCacheHitsTotal.Inc()
		cp := *t
		return &cp, nil
	}
	tableCacheMissesTotal.Inc()

	t, err := c.next.LoadTable(ctx, id)
	if err != nil {
		return nil, err
	}
	cp := *t
	c.cache.Add(id, &cp)
	return t, nil
}

// Invalidate удаляет определение таблицы из кэша.
func (c *CachedLoader) Invalidate(id model.TableIdentifier) {
	c.cache.Remove(id)
}

// Len возвращает количество записей в кэше.
func (c *CachedLoader) Len() int {
	return c.cache.Len()
}
