package gotest_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/raphi011/testreport/internal/gotest"
	"github.com/raphi011/testreport/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder resolves outcomes the same way the reporter does.
type recorder struct {
	started []model.TestInfo
	reports map[string][]model.PhaseReport
	results map[string]model.Result
}

func newRecorder() *recorder {
	return &recorder{reports: map[string][]model.PhaseReport{}, results: map[string]model.Result{}}
}

func (r *recorder) TestStarted(info model.TestInfo) {
	r.started = append(r.started, info)
}

func (r *recorder) ReportPhase(nodeID string, report model.PhaseReport) {
	r.reports[nodeID] = append(r.reports[nodeID], report)
}

func (r *recorder) TestFinished(nodeID string) (model.Result, bool) {
	res := model.Result{Outcome: model.ResolveOutcome(r.reports[nodeID])}
	r.results[nodeID] = res
	return res, true
}

const stream = `{"Time":"2024-05-02T10:00:00Z","Action":"start","Package":"example.com/shop/cart"}
{"Time":"2024-05-02T10:00:00Z","Action":"run","Package":"example.com/shop/cart","Test":"TestAdd"}
{"Time":"2024-05-02T10:00:00Z","Action":"output","Package":"example.com/shop/cart","Test":"TestAdd","Output":"=== RUN   TestAdd\n"}
{"Time":"2024-05-02T10:00:00Z","Action":"output","Package":"example.com/shop/cart","Test":"TestAdd","Output":"--- PASS: TestAdd (0.01s)\n"}
{"Time":"2024-05-02T10:00:00Z","Action":"pass","Package":"example.com/shop/cart","Test":"TestAdd","Elapsed":0.01}
{"Time":"2024-05-02T10:00:00Z","Action":"run","Package":"example.com/shop/cart","Test":"TestRemove"}
{"Time":"2024-05-02T10:00:00Z","Action":"output","Package":"example.com/shop/cart","Test":"TestRemove","Output":"=== RUN   TestRemove\n"}
{"Time":"2024-05-02T10:00:00Z","Action":"output","Package":"example.com/shop/cart","Test":"TestRemove","Output":"    cart_test.go:31: expected 0 items, got 1\n"}
{"Time":"2024-05-02T10:00:00Z","Action":"output","Package":"example.com/shop/cart","Test":"TestRemove","Output":"--- FAIL: TestRemove (0.02s)\n"}
{"Time":"2024-05-02T10:00:00Z","Action":"fail","Package":"example.com/shop/cart","Test":"TestRemove","Elapsed":0.02}
{"Time":"2024-05-02T10:00:00Z","Action":"run","Package":"example.com/shop/cart","Test":"TestCheckout/with_coupon"}
{"Time":"2024-05-02T10:00:00Z","Action":"output","Package":"example.com/shop/cart","Test":"TestCheckout/with_coupon","Output":"    cart_test.go:52: coupons are not implemented\n"}
{"Time":"2024-05-02T10:00:00Z","Action":"output","Package":"example.com/shop/cart","Test":"TestCheckout/with_coupon","Output":"--- SKIP: TestCheckout/with_coupon (0.00s)\n"}
{"Time":"2024-05-02T10:00:00Z","Action":"skip","Package":"example.com/shop/cart","Test":"TestCheckout/with_coupon","Elapsed":0}
{"Time":"2024-05-02T10:00:00Z","Action":"output","Package":"example.com/shop/cart","Output":"FAIL\n"}
{"Time":"2024-05-02T10:00:01Z","Action":"fail","Package":"example.com/shop/cart","Elapsed":0.05}
`

func TestConsumeReportsEachTest(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	out := &bytes.Buffer{}

	a := gotest.New(rec, gotest.WithOutput(out))
	require.NoError(t, a.Consume(context.Background(), strings.NewReader(stream)))

	add := gotest.NodeID("example.com/shop/cart", "TestAdd")
	remove := gotest.NodeID("example.com/shop/cart", "TestRemove")
	coupon := gotest.NodeID("example.com/shop/cart", "TestCheckout/with_coupon")

	require.Len(t, rec.started, 3)
	assert.Equal(t, "TestCheckout", rec.started[2].Class)

	assert.Equal(t, model.OutcomePassed, rec.results[add].Outcome)
	assert.Equal(t, model.OutcomeFailed, rec.results[remove].Outcome)
	assert.Equal(t, model.OutcomeSkipped, rec.results[coupon].Outcome)

	failure := rec.reports[remove][0].Failure
	require.NotNil(t, failure)
	assert.Equal(t, "cart_test.go:31: expected 0 items, got 1", failure.Message)
	assert.Contains(t, failure.Traceback, "--- FAIL: TestRemove")

	assert.Equal(t, "cart_test.go:52: coupons are not implemented", rec.reports[coupon][0].SkipReason)

	// the failing package ran tests, no extra result is reported
	assert.NotContains(t, rec.results, gotest.NodeID("example.com/shop/cart", "TestMain"))

	assert.Contains(t, out.String(), "--- FAIL: TestRemove (0.02s)\n")
}

func TestPackageFailureWithoutTestsIsAnError(t *testing.T) {
	t.Parallel()

	events := `{"Action":"start","Package":"example.com/shop/db"}
{"Action":"output","Package":"example.com/shop/db","Output":"setup: connecting to postgres: connection refused\n"}
{"Action":"output","Package":"example.com/shop/db","Output":"FAIL\texample.com/shop/db\t0.01s\n"}
{"Action":"fail","Package":"example.com/shop/db","Elapsed":0.01}
`

	rec := newRecorder()
	require.NoError(t, gotest.New(rec).Consume(context.Background(), strings.NewReader(events)))

	nodeID := gotest.NodeID("example.com/shop/db", "TestMain")
	assert.Equal(t, model.OutcomeError, rec.results[nodeID].Outcome)

	failure := rec.reports[nodeID][0].Failure
	require.NotNil(t, failure)
	assert.Equal(t, "PackageFailure", failure.ExceptionName)
	assert.Equal(t, "setup: connecting to postgres: connection refused", failure.Message)
}

func TestBuildFailure(t *testing.T) {
	t.Parallel()

	events := `{"ImportPath":"example.com/shop/api [example.com/shop/api.test]","Action":"build-output","Output":"api/handler.go:12:2: undefined: render\n"}
{"ImportPath":"example.com/shop/api [example.com/shop/api.test]","Action":"build-fail"}
{"Action":"start","Package":"example.com/shop/api"}
{"Action":"output","Package":"example.com/shop/api","Output":"FAIL\texample.com/shop/api [build failed]\n"}
{"Action":"fail","Package":"example.com/shop/api","Elapsed":0,"FailedBuild":"example.com/shop/api [example.com/shop/api.test]"}
`

	rec := newRecorder()
	out := &bytes.Buffer{}
	require.NoError(t, gotest.New(rec, gotest.WithOutput(out)).Consume(context.Background(), strings.NewReader(events)))

	nodeID := gotest.NodeID("example.com/shop/api", "TestMain")
	assert.Equal(t, model.OutcomeError, rec.results[nodeID].Outcome)

	failure := rec.reports[nodeID][0].Failure
	require.NotNil(t, failure)
	assert.Equal(t, "BuildFailure", failure.ExceptionName)
	assert.Contains(t, failure.Traceback, "undefined: render")
	assert.Contains(t, out.String(), "undefined: render")
}

func TestTestsRunningWhenThePackageFailsAreFailed(t *testing.T) {
	t.Parallel()

	events := `{"Time":"2024-05-02T10:00:00Z","Action":"run","Package":"example.com/shop/cart","Test":"TestSlow"}
{"Time":"2024-05-02T10:00:00Z","Action":"output","Package":"example.com/shop/cart","Test":"TestSlow","Output":"=== RUN   TestSlow\n"}
{"Time":"2024-05-02T10:10:00Z","Action":"output","Package":"example.com/shop/cart","Output":"panic: test timed out after 10m0s\n"}
{"Time":"2024-05-02T10:10:00Z","Action":"fail","Package":"example.com/shop/cart","Elapsed":600}
`

	rec := newRecorder()
	require.NoError(t, gotest.New(rec).Consume(context.Background(), strings.NewReader(events)))

	nodeID := gotest.NodeID("example.com/shop/cart", "TestSlow")
	assert.Equal(t, model.OutcomeFailed, rec.results[nodeID].Outcome)

	report := rec.reports[nodeID][0]
	assert.Equal(t, "PackageFailure", report.Failure.ExceptionName)
	assert.Contains(t, report.Failure.Traceback, "test timed out")
	assert.Equal(t, "10m0s", report.Duration.String())

	assert.Len(t, rec.results, 1)
}

func TestNonEventLinesAreEchoed(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	a := gotest.New(newRecorder(), gotest.WithOutput(out))

	require.NoError(t, a.Consume(context.Background(), strings.NewReader("# example.com/shop/api\nno json here\n")))
	assert.Equal(t, "# example.com/shop/api\nno json here\n", out.String())
}
