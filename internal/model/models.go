// The `model`s package is very atypical for projects written in go, but unfortunately
// cannot be avoided as it helps to avoid cyclic dependencies. Types required by a library user
// such as `TestInfo` are reexported by the testreport package.
package model

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Outcome string

const (
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeError   Outcome = "error"
	OutcomeXFailed Outcome = "xfailed"
	OutcomeXPassed Outcome = "xpassed"
)

// Outcomes lists every outcome in the order they are reported.
var Outcomes = []Outcome{OutcomePassed, OutcomeFailed, OutcomeError, OutcomeSkipped, OutcomeXFailed, OutcomeXPassed}

type Phase string

const (
	PhaseSetup    Phase = "setup"
	PhaseCall     Phase = "call"
	PhaseTeardown Phase = "teardown"
)

func (p Phase) order() int {
	switch p {
	case PhaseSetup:
		return 0
	case PhaseCall:
		return 1
	case PhaseTeardown:
		return 2
	}
	return 3
}

type PhaseOutcome string

const (
	PhasePassed  PhaseOutcome = "passed"
	PhaseFailed  PhaseOutcome = "failed"
	PhaseSkipped PhaseOutcome = "skipped"
)

// Failure describes the exception that failed a phase.
type Failure struct {
	ExceptionName string
	Message       string
	// Traceback is the full traceback, it is attached as `traceback.log`.
	Traceback string
}

// PhaseReport is the outcome of a single test phase as reported by the host framework.
type PhaseReport struct {
	Phase    Phase
	Outcome  PhaseOutcome
	Duration time.Duration
	// XFail is set when the test is expected to fail.
	XFail       bool
	XFailReason string
	SkipReason  string
	// Output is the captured stdout, stderr and log output of the phase.
	Output  string
	Failure *Failure
	// UserProperties are key value pairs recorded by the test itself.
	UserProperties map[string]any
}

// ResolveOutcome derives the outcome of a test from its phase reports. Phases are
// evaluated in the order setup, call, teardown and the first matching rule wins:
// an expected failure that was skipped or whose call failed is xfailed, an
// expected failure that passed is xpassed, a failing setup or teardown is an
// error, a skipped phase is skipped, a failing call is failed. Everything else
// passed.
func ResolveOutcome(reports []PhaseReport) Outcome {
	ordered := make([]PhaseReport, len(reports))
	copy(ordered, reports)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Phase.order() < ordered[j].Phase.order()
	})

	for _, r := range ordered {
		switch {
		case (r.Phase == PhaseCall || r.Phase == PhaseSetup) && r.XFail && r.Outcome == PhaseSkipped:
			return OutcomeXFailed
		case r.Phase == PhaseCall && r.XFail && r.Outcome == PhaseFailed:
			return OutcomeXFailed
		case r.Phase == PhaseCall && r.XFail && r.Outcome == PhasePassed:
			return OutcomeXPassed
		case (r.Phase == PhaseSetup || r.Phase == PhaseTeardown) && r.Outcome == PhaseFailed:
			return OutcomeError
		case r.Outcome == PhaseSkipped:
			return OutcomeSkipped
		case r.Phase == PhaseCall && r.Outcome == PhaseFailed:
			return OutcomeFailed
		}
	}

	return OutcomePassed
}

// Marker is a label attached to a test by the host framework, e.g. `skip` or `xfail`.
type Marker struct {
	Name   string         `json:"name"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

// TestInfo identifies a test when it starts.
type TestInfo struct {
	// NodeID is the unique identifier of the test within the session.
	NodeID string
	// Path is the file the test is defined in.
	Path string
	// Class is the name of the enclosing class or suite, if any.
	Class string
	// Function is the name of the test function.
	Function string
	Params   map[string]string
	Markers  []Marker
}

// Summary counts the results of a run by outcome.
type Summary struct {
	Passes    int `json:"passes"`
	Failures  int `json:"failures"`
	Errors    int `json:"errors"`
	Skips     int `json:"skips"`
	XFailures int `json:"xfailures"`
	XPasses   int `json:"xpasses"`
	Tests     int `json:"tests"`
	Collected int `json:"collected"`
	NotRun    int `json:"not_run"`
}

// Count returns the number of results with the given outcome.
func (s Summary) Count(o Outcome) int {
	switch o {
	case OutcomePassed:
		return s.Passes
	case OutcomeFailed:
		return s.Failures
	case OutcomeError:
		return s.Errors
	case OutcomeSkipped:
		return s.Skips
	case OutcomeXFailed:
		return s.XFailures
	case OutcomeXPassed:
		return s.XPasses
	}
	return 0
}

func (s *Summary) increment(o Outcome) {
	switch o {
	case OutcomePassed:
		s.Passes++
	case OutcomeFailed:
		s.Failures++
	case OutcomeError:
		s.Errors++
	case OutcomeSkipped:
		s.Skips++
	case OutcomeXFailed:
		s.XFailures++
	case OutcomeXPassed:
		s.XPasses++
	}
	s.Tests++
}

// Summarize counts results by outcome. collected is the number of tests the
// host framework collected, it never drops below the number of results.
func Summarize(results []Result, collected int) Summary {
	s := Summary{}

	for _, r := range results {
		s.increment(r.Outcome)
	}

	s.Collected = max(collected, s.Tests)
	s.NotRun = s.Collected - s.Tests

	return s
}

type Run struct {
	// ID is the identifier of the run, it can be reused across sessions.
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Component string    `json:"component,omitempty"`
	Env       string    `json:"env,omitempty"`
	StartTime time.Time `json:"start_time"`
	// Duration of the run in seconds.
	Duration float64  `json:"duration"`
	Metadata Metadata `json:"metadata"`
	Summary  Summary  `json:"summary"`
}

type Result struct {
	ID string `json:"id"`
	// TestID is the name of the test function.
	TestID    string            `json:"test_id"`
	RunID     string            `json:"run_id"`
	Outcome   Outcome           `json:"result"`
	Source    string            `json:"source"`
	Component string            `json:"component,omitempty"`
	Env       string            `json:"env,omitempty"`
	StartTime time.Time         `json:"start_time"`
	Duration  float64           `json:"duration"`
	Params    map[string]string `json:"params"`
	Metadata  Metadata          `json:"metadata"`
}

// NodeID returns the node id the result was reported for.
func (r Result) NodeID() string {
	id, _ := r.Metadata["node_id"].(string)
	return id
}

// ResultID derives the identifier of a test result. It is a UUIDv5 of the node
// id and the canonical parametrization, namespaced by the run, so reporting the
// same test into the same run again supersedes the earlier result.
func ResultID(runID, nodeID string, params map[string]string) string {
	ns, err := uuid.Parse(runID)
	if err != nil {
		ns = uuid.NewSHA1(uuid.NameSpaceURL, []byte(runID))
	}

	keys := maps.Keys(params)
	slices.Sort(keys)

	name := strings.Builder{}
	name.WriteString(nodeID)
	for _, k := range keys {
		fmt.Fprintf(&name, "\x00%s=%s", k, params[k])
	}

	return uuid.NewSHA1(ns, []byte(name.String())).String()
}

// NewResult creates the result record of a test that has just started.
func NewResult(run Run, project string, info TestInfo, start time.Time) Result {
	markers := []any{}
	for _, m := range info.Markers {
		if m.Name == "parametrize" {
			continue
		}
		markers = append(markers, map[string]any{"name": m.Name, "args": m.Args, "kwargs": m.Kwargs})
	}

	md := Metadata{
		"node_id":   info.NodeID,
		"fspath":    trimSitePackages(info.Path),
		"markers":   markers,
		"statuses":  map[string]any{},
		"durations": map[string]any{},
		"run":       run.ID,
	}
	if info.Class != "" {
		md["class"] = info.Class
	}
	if project != "" {
		md["project"] = project
	}

	// run metadata fills keys the result does not set itself
	for k, v := range run.Metadata {
		if _, ok := md[k]; !ok {
			md[k] = cloneValue(v)
		}
	}

	params := info.Params
	if params == nil {
		params = map[string]string{}
	}

	return Result{
		ID:        ResultID(run.ID, info.NodeID, params),
		TestID:    info.Function,
		RunID:     run.ID,
		Source:    run.Source,
		Component: run.Component,
		Env:       run.Env,
		StartTime: start,
		Params:    params,
		Metadata:  md,
	}
}

func trimSitePackages(p string) string {
	if _, after, ok := strings.Cut(p, "site-packages/"); ok {
		return after
	}
	return p
}

var blockerCategories = map[string]string{
	"needs-triage":      "needs_triage",
	"automation-issue":  "test_failure",
	"environment-issue": "environment_failure",
	"product-issue":     "product_failure",
	"product-rfe":       "product_rfe",
}

// Classify maps a `category: <name>` reason to a blocker classification.
func Classify(reason string) (string, bool) {
	_, category, ok := strings.Cut(reason, "category:")
	if !ok {
		return "", false
	}

	c, ok := blockerCategories[strings.TrimSpace(category)]
	return c, ok
}

// Finalize resolves the outcome of the result from its phase reports and
// records phase statuses, durations, reasons and failure details in the
// result metadata.
func (r *Result) Finalize(reports []PhaseReport, markers []Marker) {
	if r.Metadata == nil {
		r.Metadata = Metadata{}
	}

	statuses, _ := asMap(r.Metadata["statuses"])
	if statuses == nil {
		statuses = map[string]any{}
	}
	durations, _ := asMap(r.Metadata["durations"])
	if durations == nil {
		durations = map[string]any{}
	}

	var total time.Duration
	userProperties := map[string]any{}

	for _, rep := range reports {
		statuses[string(rep.Phase)] = []any{string(rep.Outcome), rep.XFail}
		durations[string(rep.Phase)] = rep.Duration.Seconds()
		total += rep.Duration

		for k, v := range rep.UserProperties {
			userProperties[k] = v
		}

		if rep.Failure != nil {
			r.Metadata["exception_name"] = rep.Failure.ExceptionName
			r.Metadata["short_tb"] = shortTraceback(rep.Failure)
		}
	}

	r.Metadata["statuses"] = statuses
	r.Metadata["durations"] = durations
	if len(userProperties) > 0 {
		r.Metadata["user_properties"] = userProperties
	}

	r.Outcome = ResolveOutcome(reports)
	r.Duration = total.Seconds()

	var reason string

	switch r.Outcome {
	case OutcomeSkipped:
		reason = markerReason(markers, "skip", "skipif")
		if reason == "" {
			reason = firstReason(reports, func(p PhaseReport) string { return p.SkipReason })
		}
		if reason != "" {
			r.Metadata["skip_reason"] = reason
		}
	case OutcomeXFailed, OutcomeXPassed:
		reason = markerReason(markers, "xfail")
		if reason == "" {
			reason = firstReason(reports, func(p PhaseReport) string { return p.XFailReason })
		}
		if reason != "" {
			r.Metadata["xfail_reason"] = reason
		}
	}

	if c, ok := Classify(reason); ok {
		r.Metadata["classification"] = c
	}
}

// shortTraceback is the tail of the traceback followed by the exception name
// and message. Non-ASCII characters of the message are written as XML
// character references.
func shortTraceback(f *Failure) string {
	lines := strings.Split(f.Traceback, "\n")
	if len(lines) > 4 {
		lines = lines[len(lines)-4:]
	}

	var msg strings.Builder
	for _, r := range f.Message {
		if r < utf8.RuneSelf {
			msg.WriteRune(r)
		} else {
			fmt.Fprintf(&msg, "&#%d;", r)
		}
	}

	return strings.Join(append(lines, f.ExceptionName, msg.String()), "\n")
}

func markerReason(markers []Marker, names ...string) string {
	for _, m := range markers {
		for _, n := range names {
			if m.Name != n {
				continue
			}
			if r, ok := m.Kwargs["reason"].(string); ok && r != "" {
				return r
			}
			if n != "skipif" && len(m.Args) > 0 {
				if r, ok := m.Args[0].(string); ok {
					return r
				}
			}
		}
	}
	return ""
}

func firstReason(reports []PhaseReport, get func(PhaseReport) string) string {
	for _, r := range reports {
		if reason := get(r); reason != "" {
			return reason
		}
	}
	return ""
}

// Artifact is a named blob attached to a run or to a single result.
type Artifact struct {
	ID       string `json:"id"`
	RunID    string `json:"run_id"`
	ResultID string `json:"result_id,omitempty"`
	Filename string `json:"filename"`
	Content  []byte `json:"-"`
}

// NewArtifact creates an artifact. The id is derived from the owner and the
// file name, attaching a file with the same name to the same owner again
// replaces it.
func NewArtifact(runID, resultID, filename string, content []byte) Artifact {
	filename = SanitizeFilename(filename)

	ns, err := uuid.Parse(runID)
	if err != nil {
		ns = uuid.NameSpaceURL
	}

	return Artifact{
		ID:       uuid.NewSHA1(ns, []byte(resultID+"/"+filename)).String(),
		RunID:    runID,
		ResultID: resultID,
		Filename: filename,
		Content:  content,
	}
}

// SanitizeFilename reduces an artifact name to a single path element.
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		return "artifact"
	}
	return name
}

// Bundle is a run together with its results and artifacts, the unit that is
// archived and delivered.
type Bundle struct {
	Run       Run
	Results   []Result
	Artifacts []Artifact
}

// Validate checks that every result belongs to the run and that every artifact
// is owned by the run or one of its results.
func (b Bundle) Validate() error {
	if _, err := uuid.Parse(b.Run.ID); err != nil {
		return fmt.Errorf("run id %q: %w", b.Run.ID, err)
	}

	results := map[string]bool{}
	for _, r := range b.Results {
		if r.RunID != b.Run.ID {
			return fmt.Errorf("result %s references run %s instead of %s", r.ID, r.RunID, b.Run.ID)
		}
		results[r.ID] = true
	}

	for _, a := range b.Artifacts {
		if a.RunID != b.Run.ID {
			return fmt.Errorf("artifact %s references run %s instead of %s", a.Filename, a.RunID, b.Run.ID)
		}
		if a.ResultID != "" && !results[a.ResultID] {
			return fmt.Errorf("artifact %s references unknown result %s", a.Filename, a.ResultID)
		}
	}

	return nil
}

// Summarize recomputes the run summary from the results.
func (b *Bundle) Summarize() {
	b.Run.Summary = Summarize(b.Results, b.Run.Summary.Collected)
}

// RunArtifacts returns the artifacts attached to the run itself.
func (b Bundle) RunArtifacts() []Artifact {
	return b.ResultArtifacts("")
}

// ResultArtifacts returns the artifacts attached to the given result.
func (b Bundle) ResultArtifacts(resultID string) []Artifact {
	artifacts := []Artifact{}
	for _, a := range b.Artifacts {
		if a.ResultID == resultID {
			artifacts = append(artifacts, a)
		}
	}
	return artifacts
}

// MergeSequential combines a run archived by an earlier session with the
// current session that reused its id. Current values win: metadata is deep
// merged with the current run taking precedence and results or artifacts with
// an equal identity are replaced. The start is the earliest of both, the
// durations are summed.
func MergeSequential(prior, current Bundle) Bundle {
	merged := Bundle{Run: current.Run}

	md, err := MergeMetadata(current.Run.Metadata, prior.Run.Metadata)
	if err != nil {
		// conflicting shapes, the current session's metadata is authoritative
		md = current.Run.Metadata.Clone()
	}
	merged.Run.Metadata = md

	if !prior.Run.StartTime.IsZero() && (merged.Run.StartTime.IsZero() || prior.Run.StartTime.Before(merged.Run.StartTime)) {
		merged.Run.StartTime = prior.Run.StartTime
	}
	merged.Run.Duration = prior.Run.Duration + current.Run.Duration

	merged.Results = unionResults(prior.Results, current.Results)
	merged.Artifacts = unionArtifacts(prior.Artifacts, current.Artifacts)

	merged.Run.Summary.Collected = max(prior.Run.Summary.Collected, current.Run.Summary.Collected)
	merged.Summarize()

	return merged
}

// CombineWorkerRuns merges the partial runs of parallel worker processes into
// one run. The first run provides identity, source, component and env. The
// start is the earliest, the duration the longest of all parts.
func CombineWorkerRuns(parts []Bundle) (Bundle, error) {
	if len(parts) == 0 {
		return Bundle{}, errors.New("no runs to combine")
	}

	combined := Bundle{Run: parts[0].Run}
	combined.Run.Metadata = Metadata{}
	combined.Run.Summary = Summary{}

	for _, p := range parts {
		md, err := MergeMetadata(combined.Run.Metadata, p.Run.Metadata)
		if err != nil {
			return Bundle{}, fmt.Errorf("combine metadata of worker runs: %w", err)
		}
		combined.Run.Metadata = md

		if !p.Run.StartTime.IsZero() && (combined.Run.StartTime.IsZero() || p.Run.StartTime.Before(combined.Run.StartTime)) {
			combined.Run.StartTime = p.Run.StartTime
		}
		combined.Run.Duration = max(combined.Run.Duration, p.Run.Duration)
		combined.Run.Summary.Collected = max(combined.Run.Summary.Collected, p.Run.Summary.Collected)

		for _, r := range p.Results {
			r.RunID = combined.Run.ID
			r.Metadata = r.Metadata.Clone()
			r.Metadata["run"] = combined.Run.ID
			combined.Results = unionResults(combined.Results, []Result{r})
		}

		for _, a := range p.Artifacts {
			a.RunID = combined.Run.ID
			combined.Artifacts = unionArtifacts(combined.Artifacts, []Artifact{a})
		}
	}

	combined.Summarize()

	return combined, nil
}

func unionResults(prior, current []Result) []Result {
	index := map[string]int{}
	results := make([]Result, 0, len(prior)+len(current))

	for _, rs := range [][]Result{prior, current} {
		for _, r := range rs {
			if i, ok := index[r.ID]; ok {
				results[i] = r
				continue
			}
			index[r.ID] = len(results)
			results = append(results, r)
		}
	}

	return results
}

func unionArtifacts(prior, current []Artifact) []Artifact {
	index := map[string]int{}
	artifacts := make([]Artifact, 0, len(prior)+len(current))

	for _, as := range [][]Artifact{prior, current} {
		for _, a := range as {
			key := a.ResultID + "/" + a.Filename
			if i, ok := index[key]; ok {
				artifacts[i] = a
				continue
			}
			index[key] = len(artifacts)
			artifacts = append(artifacts, a)
		}
	}

	return artifacts
}
