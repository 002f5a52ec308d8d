package archive_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raphi011/testreport/internal/archive"
	"github.com/raphi011/testreport/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const runID = "6f1c2a77-2b8e-4d41-9a4e-8f5c1b0d3e21"

func result(nodeID string, outcome model.Outcome) model.Result {
	r := model.NewResult(model.Run{ID: runID, Source: "local"}, "", model.TestInfo{NodeID: nodeID, Function: nodeID}, time.Now())
	r.Outcome = outcome
	return r
}

func bundle(results ...model.Result) model.Bundle {
	return model.Bundle{
		Run:     model.Run{ID: runID, Source: "local", StartTime: time.Now().UTC(), Metadata: model.Metadata{}},
		Results: results,
	}
}

func TestScenarioArchiveWithSummary(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	b := archive.NewBuilder(dir, slog.Default())

	pass := result("test_pass", model.OutcomePassed)
	fail := result("test_fail", model.OutcomeFailed)
	skip := result("test_skip", model.OutcomeSkipped)

	in := bundle(pass, fail, skip)
	in.Artifacts = []model.Artifact{
		model.NewArtifact(runID, fail.ID, "traceback.log", []byte("assert False")),
		model.NewArtifact(runID, "", "session.log", []byte("session")),
	}

	p, written, err := b.Write(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, runID+".tar.gz"), p)
	assert.Equal(t, 1, written.Run.Summary.Passes)
	assert.Equal(t, 1, written.Run.Summary.Failures)
	assert.Equal(t, 1, written.Run.Summary.Skips)

	read, err := archive.Read(p)
	require.NoError(t, err)

	assert.Equal(t, written.Run.Summary, read.Run.Summary)
	assert.Len(t, read.Results, 3)
	require.Len(t, read.Artifacts, 2)
	assert.Equal(t, []byte("assert False"), read.ResultArtifacts(fail.ID)[0].Content)
	assert.Equal(t, []byte("session"), read.RunArtifacts()[0].Content)
	assert.NoError(t, read.Validate())
}

func TestRebuildMergesDisjointResults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	b := archive.NewBuilder(dir, slog.Default())
	ctx := context.Background()

	first := bundle(result("test_a", model.OutcomePassed), result("test_b", model.OutcomeFailed))
	first.Run.Duration = 2
	_, _, err := b.Write(ctx, first)
	require.NoError(t, err)

	second := bundle(result("test_c", model.OutcomeSkipped))
	second.Run.Duration = 3
	p, _, err := b.Write(ctx, second)
	require.NoError(t, err)

	archives, err := archive.FindArchives(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{p}, archives, "there is exactly one archive per run")

	read, err := archive.Read(p)
	require.NoError(t, err)

	assert.Len(t, read.Results, 3)
	assert.Equal(t, model.Summary{Passes: 1, Failures: 1, Skips: 1, Tests: 3, Collected: 3}, read.Run.Summary)
	assert.Equal(t, 5.0, read.Run.Duration)
}

func TestRebuildSupersedesRerunResult(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	b := archive.NewBuilder(dir, slog.Default())
	ctx := context.Background()

	_, _, err := b.Write(ctx, bundle(result("test_flaky", model.OutcomeFailed)))
	require.NoError(t, err)

	p, _, err := b.Write(ctx, bundle(result("test_flaky", model.OutcomePassed)))
	require.NoError(t, err)

	read, err := archive.Read(p)
	require.NoError(t, err)

	require.Len(t, read.Results, 1)
	assert.Equal(t, model.OutcomePassed, read.Results[0].Outcome)
}

func TestCorruptArchiveIsReplaced(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	b := archive.NewBuilder(dir, slog.Default())

	require.NoError(t, os.WriteFile(b.Path(runID), []byte("not a tarball"), 0o644))

	_, err := archive.Read(b.Path(runID))
	var corrupt model.ArchiveCorruptionError
	assert.ErrorAs(t, err, &corrupt)

	p, _, err := b.Write(context.Background(), bundle(result("test_a", model.OutcomePassed)))
	require.NoError(t, err)

	read, err := archive.Read(p)
	require.NoError(t, err)
	assert.Len(t, read.Results, 1)
}

func TestArtifactNamesStayInsideTheirDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	b := archive.NewBuilder(dir, slog.Default())

	in := bundle()
	in.Artifacts = []model.Artifact{{ID: "x", RunID: runID, Filename: "../../escape.txt", Content: []byte("x")}}

	p, _, err := b.Write(context.Background(), in)
	require.NoError(t, err)

	read, err := archive.Read(p)
	require.NoError(t, err)
	require.Len(t, read.Artifacts, 1)
	assert.Equal(t, "escape.txt", read.Artifacts[0].Filename)
}

func TestFindArchivesIgnoresOtherFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{runID + ".tar.gz", "notes.tar.gz", runID + ".tar", "." + runID + "-123.tar.gz"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	archives, err := archive.FindArchives(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, runID+".tar.gz")}, archives)
}
