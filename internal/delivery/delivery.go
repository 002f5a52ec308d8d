// Package delivery hands a finished run to its destination: a local archive,
// an object storage bucket or the reporting service. Network calls are
// retried, a delivery that fails for good falls back to a local archive.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/raphi011/testreport/client"
	"github.com/raphi011/testreport/internal/archive"
	"github.com/raphi011/testreport/internal/config"
	"github.com/raphi011/testreport/internal/metric"
	"github.com/raphi011/testreport/internal/model"
	"github.com/raphi011/testreport/internal/objectstore"
	"github.com/sethvargo/go-retry"
)

// waitGrace is how long Wait gives a cancelled delivery to write its own
// fallback archive before writing it itself.
const waitGrace = 2 * time.Second

// RemoteClient is the part of the reporting service api used for delivery.
type RemoteClient interface {
	HealthInfo(ctx context.Context) (client.HealthInfo, error)
	GetRun(ctx context.Context, id string) (client.Run, error)
	AddRun(ctx context.Context, run client.Run) (client.Run, error)
	UpdateRun(ctx context.Context, run client.Run) (client.Run, error)
	AddResult(ctx context.Context, result client.Result) (client.Result, error)
	UploadArtifact(ctx context.Context, a client.Artifact) (model.ArtifactHTTP, error)
}

// Report describes what a delivery did, it feeds the terminal summary.
type Report struct {
	Mode config.Mode
	// ArchivePath is set when a local archive was written, including
	// fallback archives.
	ArchivePath string
	// UploadedKeys are the object keys uploaded, ExistingKeys those skipped
	// because the bucket already had them.
	UploadedKeys []string
	ExistingKeys []string
	Bucket       string
	FrontendURL  string
	// Warnings are the problems delivery ran into. None of them are fatal.
	Warnings []error
	// Bundle is the delivered bundle, which contains results of earlier
	// archives of the same run.
	Bundle model.Bundle
}

// Failed reports whether the run did not reach its destination.
func (r Report) Failed() bool {
	for _, w := range r.Warnings {
		var deliveryErr model.DeliveryError
		var authErr model.AuthError
		if errors.As(w, &deliveryErr) || errors.As(w, &authErr) {
			return true
		}
	}
	return false
}

type Dispatcher struct {
	mode      config.Mode
	builder   *archive.Builder
	noArchive bool
	store     objectstore.Store
	uploader  *objectstore.Uploader
	bucket    string
	remote    RemoteClient
	token     string

	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration

	logger  *slog.Logger
	metrics *metric.Metrics
	now     func() time.Time

	// authFailed is set after the first authentication failure, remote
	// calls are skipped from then on.
	authFailed atomic.Bool

	pending model.Bundle
	report  Report
	done    chan struct{}
	cancel  context.CancelFunc
}

type Option func(d *Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithMetrics(m *metric.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithArchive sets the builder local and fallback archives are written with.
func WithArchive(b *archive.Builder) Option {
	return func(d *Dispatcher) {
		d.builder = b
	}
}

// WithoutArchive skips the local archive unless delivery fails.
func WithoutArchive() Option {
	return func(d *Dispatcher) {
		d.noArchive = true
	}
}

func WithObjectStore(store objectstore.Store, bucket string) Option {
	return func(d *Dispatcher) {
		d.store = store
		d.bucket = bucket
	}
}

func WithRemote(c RemoteClient, token string) Option {
	return func(d *Dispatcher) {
		d.remote = c
		d.token = token
	}
}

// WithRetry bounds every network call to attempts tries, waiting an
// exponentially growing delay between them that starts at base and is
// capped at max.
func WithRetry(attempts int, base, max time.Duration) Option {
	return func(d *Dispatcher) {
		d.attempts = attempts
		d.baseDelay = base
		d.maxDelay = max
	}
}

// New returns a dispatcher for mode. Missing collaborators of the mode are
// a model.ConfigurationError.
func New(mode config.Mode, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		mode:      mode,
		attempts:  3,
		baseDelay: time.Second,
		maxDelay:  10 * time.Second,
		logger:    slog.Default(),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.metrics == nil {
		d.metrics = metric.New()
	}
	if d.builder == nil {
		d.builder = archive.NewBuilder(".", d.logger)
	}

	switch mode {
	case config.ModeArchive:
	case config.ModeObjectStorage:
		if d.store == nil {
			return nil, model.ConfigurationError{Field: "mode", Msg: "object storage delivery needs a bucket"}
		}
		d.uploader = objectstore.NewUploader(d.store, d.logger)
	case config.ModeRemote:
		if d.remote == nil {
			return nil, model.ConfigurationError{Field: "mode", Msg: "remote delivery needs a reporting service"}
		}
	default:
		return nil, model.ConfigurationError{Field: "mode", Msg: fmt.Sprintf("unknown delivery mode %q", mode)}
	}

	if d.attempts < 1 {
		return nil, model.ConfigurationError{Field: "max_attempts", Msg: "must be at least 1"}
	}

	return d, nil
}

func (d *Dispatcher) Mode() config.Mode {
	return d.mode
}

// Deliver delivers the bundle and blocks until it is done. It never fails,
// problems are recorded as warnings of the report.
func (d *Dispatcher) Deliver(ctx context.Context, bundle model.Bundle) Report {
	start := d.now()
	r := Report{Mode: d.mode, Bundle: bundle}

	log := d.logger.With("run-id", bundle.Run.ID, "mode", d.mode)

	switch d.mode {
	case config.ModeArchive:
		d.writeArchive(ctx, &r, "write-archive")
	case config.ModeObjectStorage:
		d.deliverObject(ctx, &r)
	case config.ModeRemote:
		d.deliverRemote(ctx, &r)
	}

	d.metrics.DeliveryDuration.WithLabelValues(string(d.mode)).Observe(d.now().Sub(start).Seconds())

	if len(r.Warnings) > 0 {
		log.Warn("run delivered with warnings", "warnings", len(r.Warnings), "archive", r.ArchivePath)
	} else {
		log.Info("run delivered")
	}

	return r
}

// Start delivers the bundle on a background goroutine, use Wait to join it.
func (d *Dispatcher) Start(ctx context.Context, bundle model.Bundle) {
	ctx, cancel := context.WithCancel(ctx)

	d.pending = bundle
	d.cancel = cancel
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		defer cancel()

		d.report = d.Deliver(ctx, bundle)
	}()
}

// Wait blocks until the delivery started with Start finished or timeout
// passed. A delivery that takes too long is cancelled and the run is
// written to a local archive instead.
func (d *Dispatcher) Wait(timeout time.Duration) Report {
	if d.done == nil {
		return Report{Mode: d.mode}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-d.done:
		return d.report
	case <-timer.C:
	}

	timeoutErr := model.DeliveryError{
		Mode: string(d.mode),
		Op:   "wait",
		Err:  fmt.Errorf("delivery did not finish within %s", timeout),
	}

	d.logger.Warn("delivery timed out", "run-id", d.pending.Run.ID, "timeout", timeout)
	d.cancel()

	grace := time.NewTimer(waitGrace)
	defer grace.Stop()

	select {
	case <-d.done:
		r := d.report
		if len(r.Warnings) == 0 {
			return r
		}
		r.Warnings = append(r.Warnings, timeoutErr)
		if r.ArchivePath == "" {
			d.writeArchive(context.Background(), &r, "fallback-archive")
		}
		return r
	case <-grace.C:
	}

	r := Report{Mode: d.mode, Bundle: d.pending, Warnings: []error{timeoutErr}}
	d.metrics.DeliveryFailures.WithLabelValues(string(d.mode)).Inc()
	d.writeArchive(context.Background(), &r, "fallback-archive")

	return r
}

func (d *Dispatcher) writeArchive(ctx context.Context, r *Report, op string) {
	// archives are local and are written even when delivery got cancelled
	p, written, err := d.builder.Write(context.WithoutCancel(ctx), r.Bundle)
	if err != nil {
		r.Warnings = append(r.Warnings, model.DeliveryError{Mode: string(d.mode), Op: op, Err: err})
		return
	}

	r.ArchivePath = p
	r.Bundle = written
}

// fallback writes a local archive after a failed delivery unless one was
// written already.
func (d *Dispatcher) fallback(ctx context.Context, r *Report, err error) {
	d.metrics.DeliveryFailures.WithLabelValues(string(d.mode)).Inc()
	r.Warnings = append(r.Warnings, err)

	if r.ArchivePath != "" {
		d.logger.Warn("delivery failed, the run is archived locally", "path", r.ArchivePath, "error", err)
		return
	}

	d.writeArchive(ctx, r, "fallback-archive")
	d.logger.Warn("delivery failed, wrote a local archive instead", "path", r.ArchivePath, "error", err)
}

func (d *Dispatcher) deliverObject(ctx context.Context, r *Report) {
	builder := d.builder

	if d.noArchive {
		dir, err := os.MkdirTemp("", "testreport-")
		if err != nil {
			d.fallback(ctx, r, model.DeliveryError{Mode: string(d.mode), Op: "write-archive", Err: err})
			return
		}
		defer os.RemoveAll(dir)

		builder = archive.NewBuilder(dir, d.logger)
	}

	p, written, err := builder.Write(context.WithoutCancel(ctx), r.Bundle)
	if err != nil {
		d.fallback(ctx, r, model.DeliveryError{Mode: string(d.mode), Op: "write-archive", Err: err})
		return
	}

	r.Bundle = written
	if !d.noArchive {
		r.ArchivePath = p
	}

	var (
		key      string
		uploaded bool
	)

	err = d.retry(ctx, "upload-archive", func(ctx context.Context) error {
		var err error
		key, uploaded, err = d.uploader.Upload(ctx, p)
		return err
	})
	if err != nil {
		d.fallback(ctx, r, err)
		return
	}

	r.Bucket = d.bucket
	if uploaded {
		r.UploadedKeys = append(r.UploadedKeys, key)
	} else {
		r.ExistingKeys = append(r.ExistingKeys, key)
	}
}

func (d *Dispatcher) deliverRemote(ctx context.Context, r *Report) {
	if !d.noArchive {
		d.writeArchive(ctx, r, "write-archive")
	}

	if d.authFailed.Load() {
		d.logger.Debug("skipping remote delivery after an authentication failure", "run-id", r.Bundle.Run.ID)
		d.fallback(ctx, r, model.DeliveryError{Mode: string(d.mode), Op: "authenticate", Err: errors.New("skipped after an earlier authentication failure")})
		return
	}

	if err := client.CheckToken(d.token, d.now()); err != nil {
		d.authFailed.Store(true)
		d.fallback(ctx, r, err)
		return
	}

	if err := d.sendBundle(ctx, r.Bundle); err != nil {
		if authErr, ok := asAuthError(err); ok {
			d.authFailed.Store(true)
			err = authErr
		}
		d.fallback(ctx, r, err)
		return
	}

	var info client.HealthInfo
	err := d.retry(ctx, "health-info", func(ctx context.Context) error {
		var err error
		info, err = d.remote.HealthInfo(ctx)
		return err
	})
	if err != nil {
		d.logger.Debug("could not look up the frontend url", "error", err)
		return
	}

	if info.Frontend != "" {
		r.FrontendURL = strings.TrimSuffix(info.Frontend, "/") + "/runs/" + r.Bundle.Run.ID
	}
}

// sendBundle stops at the first call that fails for good.
func (d *Dispatcher) sendBundle(ctx context.Context, b model.Bundle) error {
	if err := d.retry(ctx, "add-or-update-run", func(ctx context.Context) error {
		return d.addOrUpdateRun(ctx, b.Run)
	}); err != nil {
		return err
	}

	for _, a := range b.RunArtifacts() {
		if err := d.uploadArtifact(ctx, a); err != nil {
			return err
		}
	}

	for _, res := range b.Results {
		if err := d.retry(ctx, "add-result", func(ctx context.Context) error {
			_, err := d.remote.AddResult(ctx, res)
			return err
		}); err != nil {
			return err
		}
	}

	for _, res := range b.Results {
		for _, a := range b.ResultArtifacts(res.ID) {
			if err := d.uploadArtifact(ctx, a); err != nil {
				return err
			}
		}
	}

	return d.retry(ctx, "update-run", func(ctx context.Context) error {
		_, err := d.remote.UpdateRun(ctx, b.Run)
		return err
	})
}

func (d *Dispatcher) addOrUpdateRun(ctx context.Context, run model.Run) error {
	_, err := d.remote.GetRun(ctx, run.ID)
	if errors.Is(err, model.NotFoundError{}) {
		_, err = d.remote.AddRun(ctx, run)
		return err
	} else if err != nil {
		return err
	}

	_, err = d.remote.UpdateRun(ctx, run)
	return err
}

func (d *Dispatcher) uploadArtifact(ctx context.Context, a model.Artifact) error {
	return d.retry(ctx, "upload-artifact", func(ctx context.Context) error {
		_, err := d.remote.UploadArtifact(ctx, a)
		return err
	})
}

func (d *Dispatcher) backoff() retry.Backoff {
	b := retry.NewExponential(d.baseDelay)
	b = retry.WithCappedDuration(d.maxDelay, b)
	return retry.WithMaxRetries(uint64(d.attempts-1), b)
}

// retry calls f until it succeeds, fails with an error that is not worth
// retrying or the attempts are used up.
func (d *Dispatcher) retry(ctx context.Context, op string, f func(ctx context.Context) error) error {
	attempt := 0

	err := retry.Do(ctx, d.backoff(), func(ctx context.Context) error {
		attempt++
		d.metrics.DeliveryAttempts.WithLabelValues(string(d.mode), op).Inc()

		err := f(ctx)
		if err == nil {
			return nil
		}

		if ctx.Err() == nil && retryable(err) {
			d.logger.Debug("delivery call failed", "op", op, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}

		return err
	})
	if err != nil {
		return model.DeliveryError{Mode: string(d.mode), Op: op, Err: err}
	}

	return nil
}

// statusCoder is implemented by response errors of the object storage sdk.
type statusCoder interface {
	HTTPStatusCode() int
}

// retryable reports whether a failed call may succeed when tried again.
// Server errors, throttling and transport errors are, everything the
// server rejected on purpose is not.
func retryable(err error) bool {
	var authErr model.AuthError
	if errors.As(err, &authErr) || errors.Is(err, model.NotFoundError{}) {
		return false
	}

	var reqErr client.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Temporary()
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		code := sc.HTTPStatusCode()
		return code >= 500 || code == 429
	}

	return true
}

func asAuthError(err error) (model.AuthError, bool) {
	var authErr model.AuthError
	if errors.As(err, &authErr) {
		return authErr, true
	}

	var reqErr client.RequestError
	if errors.As(err, &reqErr) && reqErr.Unauthorized() {
		return model.AuthError{Msg: reqErr.Error()}, true
	}

	return model.AuthError{}, false
}
