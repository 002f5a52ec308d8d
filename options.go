package testreport

import (
	"io"
	"log/slog"
	"time"

	"github.com/raphi011/testreport/internal/delivery"
	"github.com/raphi011/testreport/internal/metric"
	"github.com/raphi011/testreport/internal/objectstore"
)

func WithLogger(log *slog.Logger) option {
	return func(r *Reporter) {
		r.log = log
	}
}

// WithHooks registers hooks, each must implement at least one listener.
func WithHooks(hooks ...Hook) option {
	return func(r *Reporter) {
		r.hooks.all = append(r.hooks.all, hooks...)
	}
}

func WithMetrics(m *metric.Metrics) option {
	return func(r *Reporter) {
		r.metrics = m
	}
}

// WithOutput sets where the report header and the terminal summary are
// written to, defaults to stderr.
func WithOutput(w io.Writer) option {
	return func(r *Reporter) {
		r.out = w
	}
}

// WithObjectStore replaces the s3 bucket of the object storage mode.
func WithObjectStore(store objectstore.Store) option {
	return func(r *Reporter) {
		r.store = store
	}
}

// WithRemoteClient replaces the client of the reporting service.
func WithRemoteClient(c delivery.RemoteClient) option {
	return func(r *Reporter) {
		r.remote = c
	}
}

func WithClock(now func() time.Time) option {
	return func(r *Reporter) {
		r.now = now
	}
}
