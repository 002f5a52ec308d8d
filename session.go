package testreport

import (
	"time"

	"github.com/raphi011/testreport/internal/model"
)

type runningTest struct {
	info    model.TestInfo
	result  model.Result
	reports []model.PhaseReport
}

// session is the state of a reporting session. It is owned by the event
// loop and must not be accessed from anywhere else.
type session struct {
	run     model.Run
	project string

	running map[string]*runningTest
	// finished maps node ids to their index in results.
	finished  map[string]int
	results   []model.Result
	artifacts []model.Artifact

	collected int
}

func newSession(run model.Run, project string) *session {
	if run.Metadata == nil {
		run.Metadata = model.Metadata{}
	}

	return &session{
		run:       run,
		project:   project,
		running:   map[string]*runningTest{},
		finished:  map[string]int{},
		results:   []model.Result{},
		artifacts: []model.Artifact{},
	}
}

// resultMetadata returns the metadata of a running or finished test.
func (s *session) resultMetadata(nodeID string) (model.Metadata, bool) {
	if t, ok := s.running[nodeID]; ok {
		return t.result.Metadata, true
	}
	if i, ok := s.finished[nodeID]; ok {
		return s.results[i].Metadata, true
	}
	return nil, false
}

func (s *session) replaceResultMetadata(nodeID string, md model.Metadata) error {
	if t, ok := s.running[nodeID]; ok {
		t.result.Metadata = md
		return nil
	}
	if i, ok := s.finished[nodeID]; ok {
		s.results[i].Metadata = md
		return nil
	}
	return model.NotFoundError{}
}

func (s *session) resultID(nodeID string) (string, bool) {
	if t, ok := s.running[nodeID]; ok {
		return t.result.ID, true
	}
	if i, ok := s.finished[nodeID]; ok {
		return s.results[i].ID, true
	}
	return "", false
}

// attach adds an artifact, replacing one with the same id.
func (s *session) attach(a model.Artifact) {
	for i := range s.artifacts {
		if s.artifacts[i].ID == a.ID {
			s.artifacts[i] = a
			return
		}
	}
	s.artifacts = append(s.artifacts, a)
}

// finish records a result, a test reported again replaces its earlier result.
func (s *session) finish(r model.Result) {
	if i, ok := s.finished[r.NodeID()]; ok && s.results[i].ID == r.ID {
		s.results[i] = r
		return
	}

	s.finished[r.NodeID()] = len(s.results)
	s.results = append(s.results, r)
}

func (s *session) bundle(end time.Time) model.Bundle {
	run := s.run
	run.Metadata = s.run.Metadata.Clone()
	if !run.StartTime.IsZero() {
		run.Duration = end.Sub(run.StartTime).Seconds()
	}
	run.Summary.Collected = s.collected

	results := make([]model.Result, len(s.results))
	for i, r := range s.results {
		r.Metadata = r.Metadata.Clone()
		results[i] = r
	}

	b := model.Bundle{
		Run:       run,
		Results:   results,
		Artifacts: append([]model.Artifact{}, s.artifacts...),
	}
	b.Summarize()

	return b
}
