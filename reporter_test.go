package testreport_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/raphi011/testreport"
	"github.com/raphi011/testreport/internal/archive"
	"github.com/raphi011/testreport/internal/config"
	"github.com/raphi011/testreport/internal/model"
	"github.com/raphi011/testreport/internal/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const runID = "3f2a1b0c-9d8e-4f7a-b6c5-d4e3f2a1b0c9"

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func archiveConfig(t *testing.T) config.Config {
	t.Helper()

	return config.Config{
		Mode:            config.ModeArchive,
		Source:          "local",
		RunID:           runID,
		Metadata:        model.Metadata{},
		ArchiveDir:      t.TempDir(),
		MaxAttempts:     3,
		RetryBaseDelay:  time.Millisecond,
		RetryMaxDelay:   5 * time.Millisecond,
		DeliveryTimeout: 10 * time.Second,
		UploadLimit:     1024,
	}
}

func newReporter(t *testing.T, cfg config.Config) (*testreport.Reporter, *bytes.Buffer) {
	t.Helper()

	out := &bytes.Buffer{}

	r := testreport.New(cfg,
		testreport.WithLogger(discard),
		testreport.WithOutput(out),
	)
	require.NoError(t, r.Start(context.Background()))

	return r, out
}

func runTest(t *testing.T, r *testreport.Reporter, name string, outcome testreport.PhaseOutcome) testreport.Result {
	t.Helper()

	nodeID := "pkg/" + name

	r.TestStarted(testreport.TestInfo{NodeID: nodeID, Path: "pkg/pkg_test.go", Function: name})
	r.ReportPhase(nodeID, testreport.PhaseReport{Phase: testreport.PhaseSetup, Outcome: testreport.PhasePassed})

	call := testreport.PhaseReport{Phase: testreport.PhaseCall, Outcome: outcome, Duration: 10 * time.Millisecond}
	switch outcome {
	case testreport.PhaseFailed:
		call.Failure = &testreport.Failure{ExceptionName: "AssertionError", Message: "expected 1, got 2", Traceback: "pkg_test.go:12: expected 1, got 2"}
	case testreport.PhaseSkipped:
		call.SkipReason = "not supported on this platform"
	}
	r.ReportPhase(nodeID, call)

	result, ok := r.TestFinished(nodeID)
	require.True(t, ok)

	return result
}

func readArchive(t *testing.T, cfg config.Config) model.Bundle {
	t.Helper()

	b, err := archive.Read(filepath.Join(cfg.ArchiveDir, cfg.RunID+archive.Extension))
	require.NoError(t, err)

	return b
}

func TestArchiveModeWritesOneArchivePerRun(t *testing.T) {
	t.Parallel()

	cfg := archiveConfig(t)
	r, out := newReporter(t, cfg)

	assert.Equal(t, model.OutcomePassed, runTest(t, r, "TestPass", testreport.PhasePassed).Outcome)
	assert.Equal(t, model.OutcomeFailed, runTest(t, r, "TestFail", testreport.PhaseFailed).Outcome)
	assert.Equal(t, model.OutcomeSkipped, runTest(t, r, "TestSkip", testreport.PhaseSkipped).Outcome)

	assert.Equal(t, 1, r.Finish(context.Background(), 1))

	b := readArchive(t, cfg)
	assert.Equal(t, runID, b.Run.ID)
	assert.Equal(t, 1, b.Run.Summary.Passes)
	assert.Equal(t, 1, b.Run.Summary.Failures)
	assert.Equal(t, 1, b.Run.Summary.Skips)
	assert.Equal(t, 3, b.Run.Summary.Tests)
	require.Len(t, b.Results, 3)

	fail := b.Results[1]
	assert.Equal(t, "AssertionError", fail.Metadata["exception_name"])

	artifacts := b.ResultArtifacts(fail.ID)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "traceback.log", artifacts[0].Filename)

	assert.Equal(t, "not supported on this platform", b.Results[2].Metadata["skip_reason"])

	assert.Contains(t, out.String(), "testreport: archive mode")
	assert.Contains(t, out.String(), "✓ Archive created: "+filepath.Join(cfg.ArchiveDir, runID+archive.Extension))
}

func TestUnreachableServiceFallsBackToArchive(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(nil)
	url := s.URL
	s.Close()

	cfg := archiveConfig(t)
	cfg.Mode = config.ModeRemote
	cfg.ServerURL = config.NormalizeServerURL(url)
	cfg.Project = "platform"
	cfg.NoArchive = true

	r, out := newReporter(t, cfg)
	runTest(t, r, "TestPass", testreport.PhasePassed)

	assert.Equal(t, 0, r.Finish(context.Background(), 0))

	b := readArchive(t, cfg)
	assert.Len(t, b.Results, 1)

	attempts := testutil.ToFloat64(r.Metrics().DeliveryAttempts.WithLabelValues(string(config.ModeRemote), "add-or-update-run"))
	assert.Equal(t, 3.0, attempts)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Metrics().DeliveryFailures.WithLabelValues(string(config.ModeRemote))))

	assert.Contains(t, out.String(), "Errors encountered:")
}

func TestObjectStorageMode(t *testing.T) {
	t.Parallel()

	store := objectstore.NewMemoryStore()

	cfg := archiveConfig(t)
	cfg.Mode = config.ModeObjectStorage
	cfg.Bucket = "reports"

	out := &bytes.Buffer{}
	r := testreport.New(cfg,
		testreport.WithLogger(discard),
		testreport.WithOutput(out),
		testreport.WithObjectStore(store),
	)
	require.NoError(t, r.Start(context.Background()))

	runTest(t, r, "TestPass", testreport.PhasePassed)
	r.Finish(context.Background(), 0)

	require.Len(t, store.Keys(), 1)
	assert.Contains(t, store.Keys()[0], runID)
	assert.Contains(t, out.String(), "1 file(s) uploaded to reports")
}

func TestFinishReturnsExitCodeWithoutTests(t *testing.T) {
	t.Parallel()

	cfg := archiveConfig(t)
	r, out := newReporter(t, cfg)

	assert.False(t, r.Enabled())
	assert.Equal(t, 5, r.Finish(context.Background(), 5))

	_, err := os.Stat(filepath.Join(cfg.ArchiveDir, runID+archive.Extension))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NotContains(t, out.String(), "summary")
}

func TestDisabledReporterIgnoresEverything(t *testing.T) {
	t.Parallel()

	cfg := archiveConfig(t)
	cfg.Mode = ""

	r, out := newReporter(t, cfg)

	r.TestStarted(testreport.TestInfo{NodeID: "pkg/TestPass"})
	_, ok := r.TestFinished("pkg/TestPass")
	assert.False(t, ok)
	assert.False(t, r.Enabled())

	assert.Equal(t, 3, r.Finish(context.Background(), 3))
	assert.Empty(t, out.String())
}

func TestEventsAfterFinishAreIgnored(t *testing.T) {
	t.Parallel()

	cfg := archiveConfig(t)
	r, _ := newReporter(t, cfg)

	runTest(t, r, "TestPass", testreport.PhasePassed)
	r.Finish(context.Background(), 0)

	r.TestStarted(testreport.TestInfo{NodeID: "pkg/TestLate"})
	r.ReportPhase("pkg/TestLate", testreport.PhaseReport{Phase: testreport.PhaseCall, Outcome: testreport.PhasePassed})
	_, ok := r.TestFinished("pkg/TestLate")
	assert.False(t, ok)

	assert.Equal(t, 0, r.Finish(context.Background(), 0))
	assert.Len(t, readArchive(t, cfg).Results, 1)
}

func TestUnknownTestIsNotFinished(t *testing.T) {
	t.Parallel()

	r, _ := newReporter(t, archiveConfig(t))

	_, ok := r.TestFinished("pkg/TestNeverStarted")
	assert.False(t, ok)
}

func TestArtifactsAboveTheUploadLimitAreDropped(t *testing.T) {
	t.Parallel()

	cfg := archiveConfig(t)
	cfg.UploadLimit = 8

	r, _ := newReporter(t, cfg)

	r.TestStarted(testreport.TestInfo{NodeID: "pkg/TestPass", Function: "TestPass"})
	r.AttachArtifact("pkg/TestPass", "small.txt", []byte("tiny"))
	r.AttachArtifact("pkg/TestPass", "large.txt", []byte("far too large"))
	r.AttachRunArtifact("run.log", []byte("also too large"))
	r.ReportPhase("pkg/TestPass", testreport.PhaseReport{Phase: testreport.PhaseCall, Outcome: testreport.PhasePassed})
	_, ok := r.TestFinished("pkg/TestPass")
	require.True(t, ok)

	r.Finish(context.Background(), 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.Metrics().ArtifactsRejected))

	b := readArchive(t, cfg)
	require.Len(t, b.Artifacts, 1)
	assert.Equal(t, "small.txt", b.Artifacts[0].Filename)
	assert.Equal(t, []byte("tiny"), b.Artifacts[0].Content)
}

func TestAttachMetadata(t *testing.T) {
	t.Parallel()

	cfg := archiveConfig(t)
	cfg.Metadata = model.Metadata{"component": "billing", "env": "staging"}

	r, _ := newReporter(t, cfg)

	r.AttachRunMetadata("jenkins.build_number", "42")

	r.TestStarted(testreport.TestInfo{NodeID: "pkg/TestPass", Function: "TestPass"})
	r.AttachMetadata("pkg/TestPass", "jira.ticket", "PLAT-1")
	r.ReportPhase("pkg/TestPass", testreport.PhaseReport{Phase: testreport.PhaseCall, Outcome: testreport.PhasePassed})
	_, ok := r.TestFinished("pkg/TestPass")
	require.True(t, ok)

	// metadata can still be attached once the test finished
	r.AttachMetadata("pkg/TestPass", "jira.status", "done")

	r.Finish(context.Background(), 0)

	b := readArchive(t, cfg)
	assert.Equal(t, "billing", b.Run.Component)
	assert.Equal(t, "staging", b.Run.Env)
	assert.Equal(t, map[string]any{"build_number": "42"}, b.Run.Metadata["jenkins"])

	require.Len(t, b.Results, 1)
	assert.Equal(t, "billing", b.Results[0].Component)
	assert.Equal(t, map[string]any{"ticket": "PLAT-1", "status": "done"}, b.Results[0].Metadata["jira"])
}

func TestCollectedTestsThatNeverRan(t *testing.T) {
	t.Parallel()

	cfg := archiveConfig(t)
	r, _ := newReporter(t, cfg)

	r.SetCollected(3)
	runTest(t, r, "TestPass", testreport.PhasePassed)
	r.Finish(context.Background(), 0)

	s := readArchive(t, cfg).Run.Summary
	assert.Equal(t, 3, s.Collected)
	assert.Equal(t, 2, s.NotRun)
}

func TestInterruptArchivesFinishedResults(t *testing.T) {
	t.Parallel()

	cfg := archiveConfig(t)
	r, _ := newReporter(t, cfg)

	runTest(t, r, "TestPass", testreport.PhasePassed)
	r.TestStarted(testreport.TestInfo{NodeID: "pkg/TestHangs"})

	p := r.Interrupt(context.Background())
	assert.Equal(t, filepath.Join(cfg.ArchiveDir, runID+archive.Extension), p)

	b := readArchive(t, cfg)
	require.Len(t, b.Results, 1)
	assert.Equal(t, "pkg/TestPass", b.Results[0].NodeID())

	assert.Equal(t, 130, r.Finish(context.Background(), 130))
	assert.Empty(t, r.Interrupt(context.Background()))
}

func TestFinishWithCancelledContextOnlyArchives(t *testing.T) {
	t.Parallel()

	cfg := archiveConfig(t)
	cfg.Mode = config.ModeObjectStorage
	cfg.Bucket = "reports"

	store := objectstore.NewMemoryStore()
	r := testreport.New(cfg, testreport.WithLogger(discard), testreport.WithOutput(io.Discard), testreport.WithObjectStore(store))
	require.NoError(t, r.Start(context.Background()))

	runTest(t, r, "TestPass", testreport.PhasePassed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, 1, r.Finish(ctx, 1))
	assert.Len(t, readArchive(t, cfg).Results, 1)
	assert.Empty(t, store.Keys())
}

func TestConcurrentTests(t *testing.T) {
	t.Parallel()

	cfg := archiveConfig(t)
	r, _ := newReporter(t, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			nodeID := fmt.Sprintf("pkg/Test%d", i)
			r.TestStarted(testreport.TestInfo{NodeID: nodeID, Function: fmt.Sprintf("Test%d", i)})
			r.AttachArtifact(nodeID, "output.log", []byte(nodeID))
			r.ReportPhase(nodeID, testreport.PhaseReport{Phase: testreport.PhaseCall, Outcome: testreport.PhasePassed})
			r.TestFinished(nodeID)
		}(i)
	}
	wg.Wait()

	r.Finish(context.Background(), 0)

	b := readArchive(t, cfg)
	assert.Len(t, b.Results, 20)
	assert.Len(t, b.Artifacts, 20)
	assert.Equal(t, 20, b.Run.Summary.Passes)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.Metrics().TestsRunning))
	assert.Equal(t, 20.0, testutil.ToFloat64(r.Metrics().ResultsTotal.WithLabelValues("passed")))
}

func TestWorkersSpoolAndCoordinatorDelivers(t *testing.T) {
	t.Parallel()

	cfg := archiveConfig(t)
	cfg.SpoolFile = filepath.Join(t.TempDir(), "spool.db")

	for _, worker := range []string{"gw0", "gw1"} {
		wcfg := cfg
		wcfg.WorkerID = worker

		w, out := newReporter(t, wcfg)
		runTest(t, w, "Test"+worker, testreport.PhasePassed)
		assert.Equal(t, 0, w.Finish(context.Background(), 0))
		assert.NotContains(t, out.String(), "Archive created")
	}

	_, err := os.Stat(filepath.Join(cfg.ArchiveDir, runID+archive.Extension))
	require.ErrorIs(t, err, os.ErrNotExist)

	coordinator, out := newReporter(t, cfg)
	assert.Equal(t, 0, coordinator.Finish(context.Background(), 0))
	assert.Contains(t, out.String(), "Archive created")

	b := readArchive(t, cfg)
	require.Len(t, b.Results, 2)
	assert.Equal(t, 2, b.Run.Summary.Passes)
}

func TestMetricsFile(t *testing.T) {
	t.Parallel()

	cfg := archiveConfig(t)
	cfg.MetricsFile = filepath.Join(t.TempDir(), "testreport.prom")

	r, _ := newReporter(t, cfg)
	runTest(t, r, "TestFail", testreport.PhaseFailed)
	r.Finish(context.Background(), 1)

	data, err := os.ReadFile(cfg.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `testreport_results_total{result="failed"} 1`)
}

func resolveWorker(t *testing.T, archiveDir, spool, worker, id string) (config.Config, error) {
	t.Helper()

	mode := string(config.ModeArchive)

	o := config.Overrides{
		Mode:       &mode,
		ArchiveDir: &archiveDir,
		SpoolFile:  &spool,
	}
	if worker != "" {
		o.WorkerID = &worker
	}
	if id != "" {
		o.RunID = &id
	}

	return config.Resolve(o, config.Defaults())
}

func TestWorkersRequireASharedRunID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	spool := filepath.Join(t.TempDir(), "spool.db")

	for _, worker := range []string{"gw0", ""} {
		_, err := resolveWorker(t, dir, spool, worker, "")

		var cfgErr model.ConfigurationError
		require.ErrorAs(t, err, &cfgErr, "worker %q", worker)
		assert.Equal(t, "run_id", cfgErr.Field)
	}

	for _, worker := range []string{"gw0", "gw1"} {
		cfg, err := resolveWorker(t, dir, spool, worker, runID)
		require.NoError(t, err)

		w, _ := newReporter(t, cfg)
		runTest(t, w, "Test"+worker, testreport.PhasePassed)
		w.Finish(context.Background(), 0)
	}

	cfg, err := resolveWorker(t, dir, spool, "", runID)
	require.NoError(t, err)

	coordinator, _ := newReporter(t, cfg)
	coordinator.Finish(context.Background(), 0)

	b := readArchive(t, cfg)
	assert.Len(t, b.Results, 2)
}

func TestWorkerArchivesLocallyWhenSpoolFails(t *testing.T) {
	t.Parallel()

	notADir := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(notADir, nil, 0o644))

	store := objectstore.NewMemoryStore()

	cfg := archiveConfig(t)
	cfg.Mode = config.ModeObjectStorage
	cfg.Bucket = "reports"
	cfg.SpoolFile = filepath.Join(notADir, "spool.db")
	cfg.WorkerID = "gw1"

	out := &bytes.Buffer{}
	r := testreport.New(cfg,
		testreport.WithLogger(discard),
		testreport.WithOutput(out),
		testreport.WithObjectStore(store),
	)
	require.NoError(t, r.Start(context.Background()))

	runTest(t, r, "TestPass", testreport.PhasePassed)
	assert.Equal(t, 0, r.Finish(context.Background(), 0))

	assert.Empty(t, store.Keys())

	_, err := os.Stat(filepath.Join(cfg.ArchiveDir, runID+archive.Extension))
	require.ErrorIs(t, err, os.ErrNotExist)

	b, err := archive.Read(filepath.Join(cfg.ArchiveDir, "worker-gw1", runID+archive.Extension))
	require.NoError(t, err)
	assert.Len(t, b.Results, 1)

	assert.Contains(t, out.String(), "Archive created")
	assert.Contains(t, out.String(), "Errors encountered:")
}

func TestWorkerNeverContactsTheService(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer s.Close()

	cfg := archiveConfig(t)
	cfg.Mode = config.ModeRemote
	cfg.ServerURL = config.NormalizeServerURL(s.URL)
	cfg.Project = "platform"
	cfg.SpoolFile = filepath.Join(t.TempDir(), "missing", "spool.db")
	cfg.WorkerID = "gw0"

	r, _ := newReporter(t, cfg)
	runTest(t, r, "TestPass", testreport.PhasePassed)
	r.Finish(context.Background(), 0)

	assert.Zero(t, requests.Load())

	_, err := os.Stat(filepath.Join(cfg.ArchiveDir, "worker-gw0", runID+archive.Extension))
	assert.NoError(t, err)
}

func TestTestsFinishingDuringFinish(t *testing.T) {
	t.Parallel()

	cfg := archiveConfig(t)

	r := testreport.New(cfg,
		testreport.WithLogger(discard),
		testreport.WithOutput(io.Discard),
		testreport.WithHooks(&recordingHook{}),
	)
	require.NoError(t, r.Start(context.Background()))

	for i := 0; i < 50; i++ {
		nodeID := fmt.Sprintf("pkg/Test%d", i)
		r.TestStarted(testreport.TestInfo{NodeID: nodeID, Function: fmt.Sprintf("Test%d", i)})
		r.ReportPhase(nodeID, testreport.PhaseReport{Phase: testreport.PhaseCall, Outcome: testreport.PhasePassed})
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.TestFinished(fmt.Sprintf("pkg/Test%d", i))
		}()
	}

	r.Finish(context.Background(), 0)
	wg.Wait()

	b := readArchive(t, cfg)
	for _, res := range b.Results {
		assert.Equal(t, model.OutcomePassed, res.Outcome)
	}
}
