package commit

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/keyed-store/internal/metastore"
)

var (
	commitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ks_commits_total",
		Help: "Количество коммитов батчей по режиму и результату",
	}, []string{"mode", "result"})

	commitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ks_commit_duration_seconds",
		Help:    "Длительность коммита батча",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	commitFiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ks_commit_files_total",
		Help: "Количество файлов, зарегистрированных коммитами",
	}, []string{"mode"})

	abortsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ks_aborts_total",
		Help: "Количество отменённых батчей по режиму",
	}, []string{"mode"})
)

// resultLabel — значение метки result для ошибки коммита.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, metastore.ErrCommitConflict):
		return "conflict"
	case errors.Is(err, metastore.ErrCommitRejected), errors.Is(err, metastore.ErrFileOutsideFilter):
		return "rejected"
	case errors.Is(err, metastore.ErrCommitStateUnknown):
		return "unknown"
	default:
		return "error"
	}
}
