// Package testreport collects the results of a test session and delivers
// them as a local archive, to an object storage bucket or to a reporting
// service.
//
// A Reporter is fed by the host test framework: it announces tests, reports
// the outcome of their phases and attaches metadata and artifacts. Finish
// delivers the run and returns the exit code of the test session unchanged,
// delivery problems never fail a test session.
package testreport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/raphi011/testreport/client"
	"github.com/raphi011/testreport/internal/archive"
	"github.com/raphi011/testreport/internal/config"
	"github.com/raphi011/testreport/internal/delivery"
	"github.com/raphi011/testreport/internal/hook"
	"github.com/raphi011/testreport/internal/metric"
	"github.com/raphi011/testreport/internal/model"
	"github.com/raphi011/testreport/internal/objectstore"
	"github.com/raphi011/testreport/internal/spool"
)

// requestTimeout bounds a single call to the reporting service.
const requestTimeout = 30 * time.Second

// Reexport to allow library users to reference these types

type (
	TestInfo     = model.TestInfo
	PhaseReport  = model.PhaseReport
	Phase        = model.Phase
	PhaseOutcome = model.PhaseOutcome
	Failure      = model.Failure
	Marker       = model.Marker
	Result       = model.Result
	Metadata     = model.Metadata
	Bundle       = model.Bundle
)

const (
	PhaseSetup    = model.PhaseSetup
	PhaseCall     = model.PhaseCall
	PhaseTeardown = model.PhaseTeardown

	PhasePassed  = model.PhasePassed
	PhaseFailed  = model.PhaseFailed
	PhaseSkipped = model.PhaseSkipped
)

type Reporter struct {
	config  config.Config
	log     *slog.Logger
	metrics *metric.Metrics
	hooks   *hookManager
	out     io.Writer
	now     func() time.Time

	store      objectstore.Store
	remote     delivery.RemoteClient
	builder    *archive.Builder
	dispatcher *delivery.Dispatcher

	events chan event
	// stopped is closed when the event loop returned.
	stopped chan struct{}

	running      atomic.Bool
	finished     atomic.Bool
	testsStarted atomic.Int64
}

type option func(r *Reporter)

// New configures a reporter for a session. The configuration is expected
// to be validated, see config.Load.
func New(cfg config.Config, opts ...option) *Reporter {
	r := &Reporter{
		config:  cfg,
		log:     slog.Default(),
		out:     os.Stderr,
		now:     time.Now,
		events:  make(chan event, 100),
		stopped: make(chan struct{}),
	}
	r.hooks = newHookManager(r.asyncHookCallback, r.log)

	for _, o := range opts {
		o(r)
	}

	r.hooks.log = r.log
	if r.metrics == nil {
		r.metrics = metric.New()
	}
	r.builder = archive.NewBuilder(cfg.ArchiveDir, r.log)

	if cfg.ElasticsearchURL != "" {
		r.hooks.all = append(r.hooks.all, hook.NewElasticSearchHook(cfg.ElasticsearchURL, cfg.ElasticsearchIndex, r.log))
	}

	return r
}

// Enabled reports whether the reporter delivers anything. It is false when
// no delivery mode is configured or no test was started.
func (r *Reporter) Enabled() bool {
	return r.config.Enabled() && r.testsStarted.Load() > 0
}

// RunID returns the id of the run results are reported into.
func (r *Reporter) RunID() string {
	return r.config.RunID
}

// Metrics returns the collectors of the session.
func (r *Reporter) Metrics() *metric.Metrics {
	return r.metrics
}

// Start initializes hooks and the delivery mode and starts accepting
// events. Errors are configuration errors and must abort the session
// before any test runs.
func (r *Reporter) Start(ctx context.Context) error {
	if !r.config.Enabled() {
		r.log.Debug("reporting is disabled, no mode configured")
		return nil
	}

	if err := r.hooks.init(); err != nil {
		return err
	}

	if r.config.WorkerID == "" {
		d, err := r.newDispatcher(ctx)
		if err != nil {
			return err
		}
		r.dispatcher = d
	}

	run := model.Run{
		ID:        r.config.RunID,
		Source:    r.config.Source,
		StartTime: r.now().UTC(),
		Metadata:  r.config.Metadata.Clone(),
	}
	run.Component, _ = run.Metadata["component"].(string)
	run.Env, _ = run.Metadata["env"].(string)

	go r.eventLoop(newSession(run, r.config.Project))

	r.running.Store(true)

	WriteHeader(r.out, r.config)

	r.log.Debug("reporter started", "run-id", run.ID, "mode", r.config.Mode)

	return nil
}

func (r *Reporter) newDispatcher(ctx context.Context) (*delivery.Dispatcher, error) {
	cfg := r.config

	opts := []delivery.Option{
		delivery.WithLogger(r.log),
		delivery.WithMetrics(r.metrics),
		delivery.WithArchive(r.builder),
		delivery.WithRetry(cfg.MaxAttempts, cfg.RetryBaseDelay, cfg.RetryMaxDelay),
	}
	if cfg.NoArchive {
		opts = append(opts, delivery.WithoutArchive())
	}

	switch cfg.Mode {
	case config.ModeObjectStorage:
		store := r.store
		if store == nil {
			s3, err := objectstore.NewS3(ctx, objectstore.S3Options{
				Bucket:         cfg.Bucket,
				Region:         cfg.S3Region,
				Endpoint:       cfg.S3Endpoint,
				ForcePathStyle: cfg.S3ForcePathStyle,
				AccessKey:      cfg.S3AccessKey,
				SecretKey:      cfg.S3SecretKey,
			})
			if err != nil {
				return nil, model.ConfigurationError{Field: "bucket", Err: err}
			}
			store = s3
		}
		opts = append(opts, delivery.WithObjectStore(store, cfg.Bucket))
	case config.ModeRemote:
		remote := r.remote
		if remote == nil {
			httpClient, err := client.NewHTTPClient(cfg.CABundle, requestTimeout)
			if err != nil {
				return nil, model.ConfigurationError{Field: "ca_bundle", Err: err}
			}
			remote = client.New(cfg.ServerURL, httpClient, client.WithToken(cfg.Token), client.WithProject(cfg.Project))
		}
		opts = append(opts, delivery.WithRemote(remote, cfg.Token))
	}

	return delivery.New(cfg.Mode, opts...)
}

// eventLoop applies all events to the session. It is started once by Start
// and is the only goroutine that accesses the session.
func (r *Reporter) eventLoop(s *session) {
	defer close(r.stopped)

	for e := range r.events {
		if err := e.Apply(s); err != nil {
			r.log.Warn("could not handle event", "event", fmt.Sprintf("%T", e), "error", err)
		}

		if snapshot, ok := e.(snapshotEvent); ok && snapshot.final {
			return
		}
	}
}

// send hands an event of the host framework to the event loop. Events are
// dropped when reporting is disabled or the session finished.
func (r *Reporter) send(e event) bool {
	if r.finished.Load() {
		r.log.Debug("ignoring event after finish", "event", fmt.Sprintf("%T", e))
		return false
	}

	return r.dispatch(e)
}

func (r *Reporter) dispatch(e event) bool {
	if !r.running.Load() {
		return false
	}

	select {
	case <-r.stopped:
		return false
	default:
	}

	select {
	case <-r.stopped:
		return false
	case r.events <- e:
		return true
	}
}

// TestStarted announces a test. Tests are identified by their node id in all
// other calls.
func (r *Reporter) TestStarted(info TestInfo) {
	if !r.running.Load() || r.finished.Load() {
		return
	}

	md := r.hooks.collectResultMetadata(info)

	if r.send(testStartedEvent{testIdentifier: testIdentifier{info.NodeID}, info: info, start: r.now().UTC(), metadata: md}) {
		r.testsStarted.Add(1)
		r.metrics.TestsRunning.Inc()
	}
}

// ReportPhase records the outcome of a setup, call or teardown phase.
func (r *Reporter) ReportPhase(nodeID string, report PhaseReport) {
	r.send(phaseReportedEvent{testIdentifier: testIdentifier{nodeID}, report: report})
}

// AttachMetadata sets metadata of a test under a dotted path, e.g.
// `jira.ticket`.
func (r *Reporter) AttachMetadata(nodeID, path string, value any) {
	r.send(metadataAttachedEvent{testIdentifier: testIdentifier{nodeID}, path: path, value: value})
}

func (r *Reporter) AttachRunMetadata(path string, value any) {
	r.send(runMetadataAttachedEvent{path: path, value: value})
}

// AttachArtifact attaches a file to a test. Artifacts larger than the upload
// limit are dropped with a warning.
func (r *Reporter) AttachArtifact(nodeID, name string, content []byte) {
	if !r.withinUploadLimit(name, content) {
		return
	}

	r.send(artifactAttachedEvent{testIdentifier: testIdentifier{nodeID}, name: name, content: content})
}

func (r *Reporter) AttachRunArtifact(name string, content []byte) {
	if !r.withinUploadLimit(name, content) {
		return
	}

	r.send(runArtifactAttachedEvent{name: name, content: content})
}

func (r *Reporter) withinUploadLimit(name string, content []byte) bool {
	if r.config.UploadLimit > 0 && int64(len(content)) > r.config.UploadLimit {
		r.log.Warn("artifact exceeds the upload limit and is dropped", "artifact", name, "size", len(content), "limit", r.config.UploadLimit)
		r.metrics.ArtifactsRejected.Inc()
		return false
	}
	return true
}

// TestFinished resolves the outcome of a test from its phases and returns
// the result. It returns false if the test was not started.
func (r *Reporter) TestFinished(nodeID string) (Result, bool) {
	reply := make(chan model.Result, 1)

	if !r.send(testFinishedEvent{testIdentifier: testIdentifier{nodeID}, reply: reply}) {
		return Result{}, false
	}

	var (
		result model.Result
		ok     bool
	)

	select {
	case result, ok = <-reply:
	case <-r.stopped:
		select {
		case result, ok = <-reply:
		default:
		}
	}

	if !ok {
		return Result{}, false
	}

	r.metrics.TestsRunning.Dec()
	r.metrics.ResultsTotal.WithLabelValues(string(result.Outcome)).Inc()

	r.hooks.notifyTestFinished(result)
	r.hooks.notifyTestFinishedAsync(result)

	return result, true
}

// SetCollected records how many tests the framework collected, tests that
// were collected but never ran are reported as not run.
func (r *Reporter) SetCollected(n int) {
	r.send(collectedEvent{tests: n})
}

func (r *Reporter) asyncHookCallback(p Hook, nodeID string, md model.Metadata) {
	if !r.dispatch(metadataMergedEvent{testIdentifier: testIdentifier{nodeID}, metadata: md}) {
		r.log.Debug("dropping metadata of async hook", "hook", p.Name(), "node-id", nodeID)
	}
}

// snapshot returns the bundle of all finished tests. A final snapshot stops
// the event loop.
func (r *Reporter) snapshot(final bool) (model.Bundle, bool) {
	reply := make(chan model.Bundle, 1)

	if !r.dispatch(snapshotEvent{end: r.now().UTC(), final: final, reply: reply}) {
		return model.Bundle{}, false
	}

	b, ok := <-reply

	return b, ok
}

// Finish delivers the run and returns exitCode. When ctx is already done the
// session counts as interrupted and the run is only archived locally.
func (r *Reporter) Finish(ctx context.Context, exitCode int) int {
	if !r.running.Load() || !r.finished.CompareAndSwap(false, true) {
		return exitCode
	}

	if ctx.Err() != nil {
		r.interrupt(ctx)
		return exitCode
	}

	if md := r.hooks.collectRunMetadata(); len(md) > 0 {
		r.dispatch(runMetadataMergedEvent{metadata: md})
	}

	select {
	case <-r.hooks.shutdown().Done():
	case <-ctx.Done():
		r.log.Warn("not waiting for async hooks any longer", "error", ctx.Err())
	}

	bundle, ok := r.snapshot(true)
	if !ok {
		return exitCode
	}

	coordinator := r.config.SpoolFile != "" && r.config.WorkerID == ""
	if r.testsStarted.Load() == 0 && !coordinator {
		r.log.Debug("no tests were started, nothing to report", "run-id", bundle.Run.ID)
		return exitCode
	}

	if md := r.hooks.notifyBeforeShutdown(ctx, bundle); len(md) > 0 {
		merged, err := model.MergeMetadata(bundle.Run.Metadata, md)
		if err != nil {
			r.log.Warn("ignoring run metadata of hooks", "error", err)
		} else {
			bundle.Run.Metadata = merged
		}
	}

	if r.config.WorkerID != "" {
		r.spoolPartial(ctx, bundle)
		r.writeMetrics()
		return exitCode
	}

	if r.config.SpoolFile != "" {
		bundle = r.combine(ctx, bundle)
	}

	if err := bundle.Validate(); err != nil {
		r.log.Warn("delivering an inconsistent run", "run-id", bundle.Run.ID, "error", err)
	}

	r.dispatcher.Start(ctx, bundle)
	report := r.dispatcher.Wait(r.config.DeliveryTimeout)

	r.writeMetrics()
	WriteSummary(r.out, report)

	return exitCode
}

// spoolPartial saves the partial run of a worker, workers never deliver
// themselves. A partial that cannot be spooled is archived next to the
// archive dir, it is not part of the run the coordinator delivers.
func (r *Reporter) spoolPartial(ctx context.Context, bundle model.Bundle) {
	log := r.log.With("run-id", bundle.Run.ID, "worker-id", r.config.WorkerID, "spool", r.config.SpoolFile)

	if r.config.SpoolFile == "" {
		r.archivePartial(ctx, bundle, errors.New("no spool configured"))
		return
	}

	sp, err := spool.Open(r.config.SpoolFile, r.log)
	if err != nil {
		r.archivePartial(ctx, bundle, err)
		return
	}
	defer sp.Close()

	if err := sp.Save(ctx, r.config.WorkerID, bundle); err != nil {
		r.archivePartial(ctx, bundle, err)
		return
	}

	log.Info("spooled partial run", "results", len(bundle.Results))
}

// archivePartial writes the partial run of a worker to `worker-<id>/` in the
// archive dir.
func (r *Reporter) archivePartial(ctx context.Context, bundle model.Bundle, cause error) {
	report := delivery.Report{
		Mode:     config.ModeArchive,
		Bundle:   bundle,
		Warnings: []error{model.DeliveryError{Mode: "spool", Op: "save-partial", Err: cause}},
	}

	dir := filepath.Join(r.config.ArchiveDir, "worker-"+r.config.WorkerID)

	p, _, err := archive.NewBuilder(dir, r.log).Write(context.WithoutCancel(ctx), bundle)
	if err != nil {
		report.Warnings = append(report.Warnings, err)
	} else {
		report.ArchivePath = p
	}

	r.log.Warn("could not spool partial run, archived it locally", "run-id", bundle.Run.ID, "worker-id", r.config.WorkerID, "path", p, "error", cause)

	WriteSummary(r.out, report)
}

// combine saves the results of the coordinator itself and returns the
// combination of all partials of the run. The coordinator's own bundle is
// returned when the spool cannot be read.
func (r *Reporter) combine(ctx context.Context, bundle model.Bundle) model.Bundle {
	log := r.log.With("run-id", bundle.Run.ID, "spool", r.config.SpoolFile)

	sp, err := spool.Open(r.config.SpoolFile, r.log)
	if err != nil {
		log.Warn("could not open spool", "error", err)
		return bundle
	}
	defer sp.Close()

	if len(bundle.Results) > 0 {
		if err := sp.Save(ctx, spool.CoordinatorID, bundle); err != nil {
			log.Warn("could not spool results of the coordinator", "error", err)
			return bundle
		}
	}

	combined, err := sp.Combine(ctx, bundle.Run.ID)
	if err != nil {
		log.Warn("could not combine worker runs", "error", err)
		return bundle
	}

	if err := sp.Remove(ctx, bundle.Run.ID); err != nil {
		log.Warn("could not clean up spool", "error", err)
	}

	log.Info("combined worker runs", "results", len(combined.Results))

	return combined
}

// Interrupt stops accepting events and archives the results collected so far
// locally. It returns the path of the archive, which is empty if no result
// was collected.
func (r *Reporter) Interrupt(ctx context.Context) string {
	if !r.running.Load() || !r.finished.CompareAndSwap(false, true) {
		return ""
	}

	return r.interrupt(ctx)
}

func (r *Reporter) interrupt(ctx context.Context) string {
	bundle, ok := r.snapshot(true)
	if !ok || len(bundle.Results) == 0 {
		return ""
	}

	p, _, err := r.builder.Write(context.WithoutCancel(ctx), bundle)
	if err != nil {
		r.log.Warn("could not archive interrupted run", "run-id", bundle.Run.ID, "error", err)
		return ""
	}

	r.log.Warn("session interrupted, archived the results collected so far", "run-id", bundle.Run.ID, "path", p, "results", len(bundle.Results))

	return p
}

func (r *Reporter) writeMetrics() {
	if r.config.MetricsFile == "" {
		return
	}

	if err := r.metrics.WriteToTextfile(r.config.MetricsFile); err != nil {
		r.log.Warn("could not write metrics", "path", r.config.MetricsFile, "error", err)
	}
}
