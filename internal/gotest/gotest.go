// Package gotest feeds the event stream of `go test -json` into a reporter.
package gotest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/raphi011/testreport/internal/model"
)

// Event is a single line of `go test -json` output, see `go doc test2json`.
type Event struct {
	Time        time.Time `json:"Time"`
	Action      string    `json:"Action"`
	Package     string    `json:"Package"`
	ImportPath  string    `json:"ImportPath"`
	Test        string    `json:"Test"`
	Elapsed     float64   `json:"Elapsed"`
	Output      string    `json:"Output"`
	FailedBuild string    `json:"FailedBuild"`
}

// Reporter receives the lifecycle of each test.
type Reporter interface {
	TestStarted(info model.TestInfo)
	ReportPhase(nodeID string, report model.PhaseReport)
	TestFinished(nodeID string) (model.Result, bool)
}

type runningTest struct {
	pkg    string
	start  time.Time
	output strings.Builder
}

type pkgState struct {
	tests  int
	output strings.Builder
}

// Adapter translates events. It is not safe for concurrent use, a single
// stream is read by a single goroutine.
type Adapter struct {
	reporter Reporter
	out      io.Writer
	log      *slog.Logger

	running  map[string]*runningTest
	packages map[string]*pkgState
	// order of running tests, used to fail them in a stable order
	order []string
}

type option func(a *Adapter)

// WithOutput sets where the plain test output is echoed to.
func WithOutput(w io.Writer) option {
	return func(a *Adapter) {
		a.out = w
	}
}

func WithLogger(log *slog.Logger) option {
	return func(a *Adapter) {
		a.log = log
	}
}

func New(reporter Reporter, opts ...option) *Adapter {
	a := &Adapter{
		reporter: reporter,
		out:      io.Discard,
		log:      slog.Default(),
		running:  map[string]*runningTest{},
		packages: map[string]*pkgState{},
	}

	for _, o := range opts {
		o(a)
	}

	return a
}

// NodeID identifies a test of a package, subtests keep their slash
// separated name.
func NodeID(pkg, test string) string {
	return pkg + "." + test
}

// Consume reads events from r until it is exhausted. Lines that are not
// events, e.g. output of a failed build, are echoed unchanged.
func (a *Adapter) Consume(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()

		var e Event
		if len(line) == 0 || line[0] != '{' || json.Unmarshal(line, &e) != nil {
			fmt.Fprintf(a.out, "%s\n", line)
			continue
		}

		a.Handle(e)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading test events: %w", err)
	}

	return nil
}

// Handle applies a single event.
func (a *Adapter) Handle(e Event) {
	switch e.Action {
	case "build-output":
		fmt.Fprint(a.out, e.Output)
		a.pkg(e.ImportPath).output.WriteString(e.Output)
	case "output":
		fmt.Fprint(a.out, e.Output)
		if t, ok := a.running[NodeID(e.Package, e.Test)]; ok && e.Test != "" {
			t.output.WriteString(e.Output)
		} else {
			a.pkg(e.Package).output.WriteString(e.Output)
		}
	case "run":
		a.startTest(e)
	case "pass", "fail", "skip":
		if e.Test != "" {
			a.finishTest(e)
		} else {
			a.finishPackage(e)
		}
	}
}

func (a *Adapter) pkg(name string) *pkgState {
	p, ok := a.packages[name]
	if !ok {
		p = &pkgState{}
		a.packages[name] = p
	}
	return p
}

func (a *Adapter) startTest(e Event) {
	nodeID := NodeID(e.Package, e.Test)

	a.running[nodeID] = &runningTest{pkg: e.Package, start: e.Time}
	a.order = append(a.order, nodeID)
	a.pkg(e.Package).tests++

	info := model.TestInfo{
		NodeID:   nodeID,
		Path:     e.Package,
		Function: e.Test,
	}
	if parent, _, ok := strings.Cut(e.Test, "/"); ok {
		info.Class = parent
	}

	a.reporter.TestStarted(info)
}

func (a *Adapter) finishTest(e Event) {
	nodeID := NodeID(e.Package, e.Test)

	t, ok := a.running[nodeID]
	if !ok {
		a.log.Debug("ignoring end of unknown test", "node-id", nodeID, "action", e.Action)
		return
	}

	report := model.PhaseReport{
		Phase:    model.PhaseCall,
		Duration: time.Duration(e.Elapsed * float64(time.Second)),
		Output:   t.output.String(),
	}

	switch e.Action {
	case "pass":
		report.Outcome = model.PhasePassed
	case "skip":
		report.Outcome = model.PhaseSkipped
		report.SkipReason = lastMessage(report.Output)
	case "fail":
		report.Outcome = model.PhaseFailed
		report.Failure = &model.Failure{
			ExceptionName: "TestFailure",
			Message:       firstMessage(report.Output),
			Traceback:     report.Output,
		}
	}

	a.end(nodeID, report)
}

// finishPackage ends a package. Tests still running failed with the
// package, e.g. after a panic or a timeout. A failed package that ran no
// test failed to build or in TestMain and is reported as a failed setup.
func (a *Adapter) finishPackage(e Event) {
	p := a.pkg(e.Package)
	output := p.output.String()

	for _, nodeID := range a.order {
		t, ok := a.running[nodeID]
		if !ok || t.pkg != e.Package {
			continue
		}

		var duration time.Duration
		if !t.start.IsZero() && !e.Time.IsZero() {
			duration = e.Time.Sub(t.start)
		}

		traceback := t.output.String() + output
		a.end(nodeID, model.PhaseReport{
			Phase:    model.PhaseCall,
			Outcome:  model.PhaseFailed,
			Duration: duration,
			Output:   t.output.String(),
			Failure: &model.Failure{
				ExceptionName: "PackageFailure",
				Message:       "package " + e.Package + " failed before the test finished",
				Traceback:     traceback,
			},
		})
	}

	order := a.order[:0]
	for _, nodeID := range a.order {
		if _, ok := a.running[nodeID]; ok {
			order = append(order, nodeID)
		}
	}
	a.order = order

	if e.Action != "fail" || p.tests > 0 {
		delete(a.packages, e.Package)
		return
	}

	if e.FailedBuild != "" {
		output += a.pkg(e.FailedBuild).output.String()
	}

	nodeID := NodeID(e.Package, "TestMain")

	a.reporter.TestStarted(model.TestInfo{NodeID: nodeID, Path: e.Package, Function: "TestMain"})

	exception := "PackageFailure"
	if e.FailedBuild != "" {
		exception = "BuildFailure"
	}

	a.reporter.ReportPhase(nodeID, model.PhaseReport{
		Phase:    model.PhaseSetup,
		Outcome:  model.PhaseFailed,
		Duration: time.Duration(e.Elapsed * float64(time.Second)),
		Output:   output,
		Failure: &model.Failure{
			ExceptionName: exception,
			Message:       firstMessage(output),
			Traceback:     output,
		},
	})
	a.reporter.TestFinished(nodeID)

	delete(a.packages, e.Package)
}

func (a *Adapter) end(nodeID string, report model.PhaseReport) {
	delete(a.running, nodeID)

	a.reporter.ReportPhase(nodeID, report)
	if _, ok := a.reporter.TestFinished(nodeID); !ok {
		a.log.Debug("test was not reported", "node-id", nodeID)
	}
}

// messages returns the lines the test logged itself, without the framing
// lines of the test runner.
func messages(output string) []string {
	lines := []string{}

	for _, l := range strings.Split(output, "\n") {
		l = strings.TrimSpace(l)
		if l == "" || strings.HasPrefix(l, "=== ") || strings.HasPrefix(l, "--- ") ||
			l == "FAIL" || l == "PASS" || strings.HasPrefix(l, "FAIL\t") || strings.HasPrefix(l, "ok ") {
			continue
		}
		lines = append(lines, l)
	}

	return lines
}

func firstMessage(output string) string {
	if m := messages(output); len(m) > 0 {
		return m[0]
	}
	return ""
}

func lastMessage(output string) string {
	if m := messages(output); len(m) > 0 {
		return m[len(m)-1]
	}
	return ""
}
