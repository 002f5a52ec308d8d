package testreport

import (
	"fmt"
	"time"

	"github.com/raphi011/testreport/internal/model"
)

type event interface {
	Apply(s *session) error
}

type testIdentifier struct {
	nodeID string
}

func (e testIdentifier) NodeID() string {
	return e.nodeID
}

type testStartedEvent struct {
	testIdentifier
	info     model.TestInfo
	start    time.Time
	metadata model.Metadata
}

func (e testStartedEvent) Apply(s *session) error {
	result := model.NewResult(s.run, s.project, e.info, e.start)

	s.running[e.nodeID] = &runningTest{info: e.info, result: result}

	if len(e.metadata) == 0 {
		return nil
	}

	md, err := model.MergeMetadata(result.Metadata, e.metadata)
	if err != nil {
		return fmt.Errorf("hook metadata of %s: %w", e.nodeID, err)
	}
	s.running[e.nodeID].result.Metadata = md

	return nil
}

type phaseReportedEvent struct {
	testIdentifier
	report model.PhaseReport
}

func (e phaseReportedEvent) Apply(s *session) error {
	t, ok := s.running[e.nodeID]
	if !ok {
		return fmt.Errorf("test %s is not running", e.nodeID)
	}

	t.reports = append(t.reports, e.report)

	return nil
}

type metadataAttachedEvent struct {
	testIdentifier
	path  string
	value any
}

func (e metadataAttachedEvent) Apply(s *session) error {
	md, ok := s.resultMetadata(e.nodeID)
	if !ok {
		return fmt.Errorf("test %s was not started", e.nodeID)
	}

	return md.Set(e.path, e.value)
}

// metadataMergedEvent merges metadata into a result, keys the result already
// has take precedence.
type metadataMergedEvent struct {
	testIdentifier
	metadata model.Metadata
}

func (e metadataMergedEvent) Apply(s *session) error {
	md, ok := s.resultMetadata(e.nodeID)
	if !ok {
		return fmt.Errorf("test %s was not started", e.nodeID)
	}

	merged, err := model.MergeMetadata(md, e.metadata)
	if err != nil {
		return err
	}

	return s.replaceResultMetadata(e.nodeID, merged)
}

type runMetadataAttachedEvent struct {
	path  string
	value any
}

func (e runMetadataAttachedEvent) Apply(s *session) error {
	return s.run.Metadata.Set(e.path, e.value)
}

type runMetadataMergedEvent struct {
	metadata model.Metadata
}

func (e runMetadataMergedEvent) Apply(s *session) error {
	merged, err := model.MergeMetadata(s.run.Metadata, e.metadata)
	if err != nil {
		return err
	}

	s.run.Metadata = merged

	return nil
}

type artifactAttachedEvent struct {
	testIdentifier
	name    string
	content []byte
}

func (e artifactAttachedEvent) Apply(s *session) error {
	id, ok := s.resultID(e.nodeID)
	if !ok {
		return fmt.Errorf("test %s was not started", e.nodeID)
	}

	s.attach(model.NewArtifact(s.run.ID, id, e.name, e.content))

	return nil
}

type runArtifactAttachedEvent struct {
	name    string
	content []byte
}

func (e runArtifactAttachedEvent) Apply(s *session) error {
	s.attach(model.NewArtifact(s.run.ID, "", e.name, e.content))

	return nil
}

type testFinishedEvent struct {
	testIdentifier
	// reply receives the finished result, it is closed without a value if
	// the test was not running.
	reply chan<- model.Result
}

func (e testFinishedEvent) Apply(s *session) error {
	defer close(e.reply)

	t, ok := s.running[e.nodeID]
	if !ok {
		return fmt.Errorf("test %s is not running", e.nodeID)
	}
	delete(s.running, e.nodeID)

	t.result.Finalize(t.reports, t.info.Markers)

	for _, r := range t.reports {
		if r.Failure != nil && r.Failure.Traceback != "" {
			s.attach(model.NewArtifact(s.run.ID, t.result.ID, "traceback.log", []byte(r.Failure.Traceback)))
		}
	}

	s.finish(t.result)

	e.reply <- t.result

	return nil
}

type collectedEvent struct {
	tests int
}

func (e collectedEvent) Apply(s *session) error {
	s.collected = e.tests

	return nil
}

// snapshotEvent replies with the bundle of all finished tests. A final
// snapshot stops the event loop.
type snapshotEvent struct {
	end   time.Time
	final bool
	reply chan<- model.Bundle
}

func (e snapshotEvent) Apply(s *session) error {
	defer close(e.reply)

	e.reply <- s.bundle(e.end)

	if e.final && len(s.running) > 0 {
		return fmt.Errorf("%d tests did not finish and are not reported", len(s.running))
	}

	return nil
}
