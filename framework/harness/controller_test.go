package harness

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/launchdarkly/stdio-contract-tests/framework"
	"github.com/launchdarkly/stdio-contract-tests/framework/childproc"
	"github.com/launchdarkly/stdio-contract-tests/framework/correlation"
	"github.com/launchdarkly/stdio-contract-tests/framework/preflight"
	"github.com/launchdarkly/stdio-contract-tests/servicedef"

	"github.com/launchdarkly/go-test-helpers/v2/httphelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlogtest"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
)

func helperCommand(args ...string) childproc.Spec {
	return childproc.Spec{
		Path:        os.Args[0],
		Args:        append([]string{"-test.run=TestHelperProcess", "--"}, args...),
		Env:         map[string]string{"GO_WANT_HELPER_PROCESS": "1"},
		GracePeriod: 500 * time.Millisecond,
	}
}

func testConfig(script servicedef.Script, args ...string) Config {
	return Config{
		Command:      helperCommand(args...),
		Script:       script,
		WarmUp:       100 * time.Millisecond,
		Pacing:       20 * time.Millisecond,
		Deadline:     10 * time.Second,
		FatalMarkers: []string{"Fatal error:"},
		Loggers:      ldlog.NewDisabledLoggers(),
	}
}

func numberedScript(n int) servicedef.Script {
	s := servicedef.Script{Name: "numbered"}
	for i := 0; i < n; i++ {
		s.Requests = append(s.Requests, servicedef.Request{Method: "ping"})
	}
	if err := s.Normalize(); err != nil {
		panic(err)
	}
	for i := range s.Requests {
		s.Requests[i].Name = "ping " + s.Requests[i].ID.JSONString()
	}
	return s
}

func runController(t *testing.T, config Config) (*Controller, framework.RunVerdict) {
	t.Helper()
	c := NewController(config)
	assert.Equal(t, NotStarted, c.State())
	verdict := c.Run(context.Background())
	return c, verdict
}

func sentLines(c *Controller) []string {
	return c.Transcript().OfKind(framework.EntrySent).Messages()
}

type recordingRunLogger struct {
	lock     sync.Mutex
	started  []string
	sent     []string
	skipped  []string
	answered []framework.RequestResult
	finished []framework.RunVerdict
}

func (r *recordingRunLogger) RunStarted(id framework.RunID, commandLine string) {
	r.lock.Lock()
	r.started = append(r.started, commandLine)
	r.lock.Unlock()
}

func (r *recordingRunLogger) RequestSent(name string) {
	r.lock.Lock()
	r.sent = append(r.sent, name)
	r.lock.Unlock()
}

func (r *recordingRunLogger) RequestSkipped(name string, reason string) {
	r.lock.Lock()
	r.skipped = append(r.skipped, name)
	r.lock.Unlock()
}

func (r *recordingRunLogger) ResponseReceived(result framework.RequestResult) {
	r.lock.Lock()
	r.answered = append(r.answered, result)
	r.lock.Unlock()
}

func (r *recordingRunLogger) RunFinished(verdict framework.RunVerdict, transcript framework.CapturedOutput) {
	r.lock.Lock()
	r.finished = append(r.finished, verdict)
	r.lock.Unlock()
}

func TestCompletesWhenAllResponsesMatch(t *testing.T) {
	runLogger := &recordingRunLogger{}
	config := testConfig(servicedef.DefaultMCPScript(), "answer")
	config.RunLogger = runLogger

	c, verdict := runController(t, config)

	require.Equal(t, framework.OutcomeCompleted, verdict.Outcome, verdict.String())
	assert.True(t, verdict.OK())
	assert.Equal(t, Completed, c.State())
	assert.Empty(t, verdict.Pending)
	assert.Equal(t, c.RunID(), verdict.RunID)
	assert.NotEmpty(t, verdict.Exit, "child should have been terminated")

	sent, answered := verdict.Counts()
	assert.Equal(t, 3, sent)
	assert.Equal(t, 2, answered)

	transcript := c.Transcript()
	assert.Contains(t, transcript.OfKind(framework.EntryDiagnostic).Messages(), "coolify-mcp starting")
	assert.Contains(t, transcript.OfKind(framework.EntryStderr).Messages(), "Server debug: connected")

	assert.Equal(t, []string{"Initialize", "Initialized", "List Tools"}, runLogger.sent)
	assert.Len(t, runLogger.started, 1)
	assert.Len(t, runLogger.answered, 2)
	require.Len(t, runLogger.finished, 1)
	assert.Equal(t, framework.OutcomeCompleted, runLogger.finished[0].Outcome)
}

func TestResponsesInReverseOrder(t *testing.T) {
	c, verdict := runController(t, testConfig(numberedScript(5), "reverse", "5"))

	require.Equal(t, framework.OutcomeCompleted, verdict.Outcome, verdict.String())
	assert.Equal(t, []string{
		"ping 5 (id 5)", "ping 4 (id 4)", "ping 3 (id 3)", "ping 2 (id 2)", "ping 1 (id 1)",
	}, matchedNames(c))
}

func matchedNames(c *Controller) []string {
	var ret []string
	for _, m := range c.Transcript().OfKind(framework.EntryMatched).Messages() {
		ret = append(ret, m[:strings.Index(m, ")")+1])
	}
	return ret
}

func TestHandshakeAnsweredOutOfOrder(t *testing.T) {
	script := servicedef.DefaultMCPScript()
	c, verdict := runController(t, testConfig(script, "reverse", "2"))

	require.Equal(t, framework.OutcomeCompleted, verdict.Outcome, verdict.String())
	assert.Equal(t, []string{"List Tools (id 2)", "Initialize (id 1)"}, matchedNames(c))

	sent := sentLines(c)
	require.Len(t, sent, 3)
	assert.Contains(t, sent[0], `"method":"initialize"`)
	assert.Contains(t, sent[0], `"protocolVersion":"2024-11-05"`)
	assert.Contains(t, sent[1], `"method":"notifications/initialized"`)
	assert.Contains(t, sent[2], `"method":"tools/list"`)
}

func TestOutputSplitAcrossWrites(t *testing.T) {
	_, verdict := runController(t, testConfig(numberedScript(3), "split"))
	assert.Equal(t, framework.OutcomeCompleted, verdict.Outcome, verdict.String())
}

func TestTimesOutWhenChildIsSilent(t *testing.T) {
	config := testConfig(numberedScript(2), "silent")
	config.Deadline = 400 * time.Millisecond

	started := time.Now()
	c, verdict := runController(t, config)
	elapsed := time.Since(started)

	assert.Equal(t, framework.OutcomeTimedOut, verdict.Outcome)
	assert.Equal(t, TimedOut, c.State())
	assert.GreaterOrEqual(t, int64(elapsed), int64(config.WarmUp+config.Deadline))
	assert.Equal(t, []string{"ping 1", "ping 2"}, verdict.Pending)
	assert.NotEmpty(t, verdict.Exit, "child should have been terminated")
}

func largeRequestScript() servicedef.Script {
	blob := strings.Repeat("x", 1<<20)
	return servicedef.Script{Name: "large", Requests: []servicedef.Request{{
		Name:   "Upload",
		Method: "tools/call",
		ID:     ldvalue.Int(1),
		Params: ldvalue.ObjectBuild().Set("blob", ldvalue.String(blob)).Build(),
	}}}
}

func TestTimesOutWhileChildIsNotReadingInput(t *testing.T) {
	config := testConfig(largeRequestScript(), "deaf")
	config.Deadline = 300 * time.Millisecond

	started := time.Now()
	c, verdict := runController(t, config)

	assert.Equal(t, framework.OutcomeTimedOut, verdict.Outcome, verdict.String())
	assert.Equal(t, TimedOut, c.State())
	assert.Less(t, int64(time.Since(started)), int64(5*time.Second))
	assert.Equal(t, []string{"Upload"}, verdict.Pending)
	require.Len(t, verdict.Requests, 1)
	assert.False(t, verdict.Requests[0].Sent)
	assert.NotEmpty(t, verdict.Exit, "child should have been terminated")
}

func TestInterruptedWhileChildIsNotReadingInput(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewController(testConfig(largeRequestScript(), "deaf"))
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	started := time.Now()
	verdict := c.Run(ctx)
	assert.Equal(t, "interrupted", verdict.Detail)
	assert.Less(t, int64(time.Since(started)), int64(5*time.Second))
}

func TestWaitingEventsAreHandledBeforeTheNextSend(t *testing.T) {
	script := numberedScript(2)
	requests, err := encodeScript(script)
	require.NoError(t, err)

	// both the pacing timer and the fatal line are ready when the loop selects
	for i := 0; i < 50; i++ {
		c := NewController(testConfig(script))
		events := make(chan event, 1)
		events <- event{kind: eventStderr, line: "Fatal error: lost connection to Coolify"}
		fired := make(chan time.Time, 1)
		fired <- time.Now()
		r := &run{
			c:            c,
			requests:     requests,
			next:         1,
			resultKeys:   make(map[string]int),
			correlator:   correlation.NewCorrelator(ldlog.NewDisabledLoggers()),
			events:       events,
			writeResults: make(chan writeResult, 1),
			pacingC:      fired,
		}

		state, verdict := r.loop(context.Background())
		r.stopTimers()
		require.Equal(t, FatallyErrored, state)
		assert.Contains(t, verdict.Detail, "lost connection")
		require.Empty(t, sentLines(c))
	}
}

func TestFatalMarkerDuringWarmUp(t *testing.T) {
	config := testConfig(servicedef.DefaultMCPScript(), "fatal")
	config.WarmUp = time.Second

	started := time.Now()
	c, verdict := runController(t, config)

	assert.Equal(t, framework.OutcomeFatal, verdict.Outcome)
	assert.Equal(t, FatallyErrored, c.State())
	assert.Contains(t, verdict.Detail, "COOLIFY_BASE_URL is not reachable")
	assert.Empty(t, sentLines(c), "nothing should be sent after a fatal marker")
	assert.Less(t, int64(time.Since(started)), int64(config.WarmUp+config.Command.GracePeriod))
}

func TestCustomFatalMarkers(t *testing.T) {
	config := testConfig(numberedScript(1), "fatal")
	config.FatalMarkers = []string{"panic:"}
	config.Deadline = 300 * time.Millisecond

	c, verdict := runController(t, config)
	assert.Equal(t, framework.OutcomeTimedOut, verdict.Outcome)
	assert.Contains(t, c.Transcript().OfKind(framework.EntryStderr).Messages(),
		"Fatal error: COOLIFY_BASE_URL is not reachable")
}

func TestAbnormalExit(t *testing.T) {
	c, verdict := runController(t, testConfig(numberedScript(2), "exit", "3"))

	assert.Equal(t, framework.OutcomeAbnormalExit, verdict.Outcome)
	assert.Equal(t, AbnormallyExited, c.State())
	assert.Contains(t, verdict.Detail, "exit code 3")
}

func TestAbnormalExitAfterFirstResponse(t *testing.T) {
	c, verdict := runController(t, testConfig(numberedScript(2), "exit-after-first", "1"))

	assert.Equal(t, framework.OutcomeAbnormalExit, verdict.Outcome, verdict.String())
	assert.Equal(t, []string{"ping 1 (id 1)"}, matchedNames(c), "the response written before exit must be seen")
}

func TestCleanExitBeforeCompletionFailsOnNextSend(t *testing.T) {
	config := testConfig(numberedScript(2), "exit", "0")
	config.WarmUp = 500 * time.Millisecond

	c, verdict := runController(t, config)

	assert.Equal(t, framework.OutcomeFatal, verdict.Outcome, verdict.String())
	var writeErr *childproc.WriteError
	assert.True(t, errors.As(verdict.Err, &writeErr))
	anomalies := c.Transcript().OfKind(framework.EntryAnomaly).Messages()
	require.NotEmpty(t, anomalies)
	assert.Contains(t, anomalies[0], "exited with code 0")
}

func TestSpawnFailure(t *testing.T) {
	config := testConfig(numberedScript(1))
	config.Command = childproc.Spec{Path: "/no/such/server"}

	c, verdict := runController(t, config)

	assert.Equal(t, framework.OutcomeFatal, verdict.Outcome)
	assert.Equal(t, FatallyErrored, c.State())
	var spawnErr *childproc.SpawnError
	assert.True(t, errors.As(verdict.Err, &spawnErr))
}

func TestInvalidScript(t *testing.T) {
	script := servicedef.Script{Requests: []servicedef.Request{{Name: "no id", Method: "ping"}}}
	c, verdict := runController(t, testConfig(script, "answer"))

	assert.Equal(t, framework.OutcomeFatal, verdict.Outcome)
	assert.Equal(t, "invalid script", verdict.Detail)
	assert.Empty(t, sentLines(c))
}

func TestUnmatchedResponsesAreAnomalies(t *testing.T) {
	mockLog := ldlogtest.NewMockLog()
	config := testConfig(numberedScript(1), "unknown-id")
	config.Loggers = mockLog.Loggers

	c, verdict := runController(t, config)

	require.Equal(t, framework.OutcomeCompleted, verdict.Outcome, verdict.String())
	assert.Equal(t, 2, verdict.Anomalies)
	anomalies := c.Transcript().OfKind(framework.EntryAnomaly).Messages()
	require.Len(t, anomalies, 2)
	assert.Contains(t, anomalies[0], "id 999")
	assert.Contains(t, anomalies[1], "unparseable")
	assert.True(t, mockLog.HasMessageMatch(ldlog.Warn, "999"))
}

func TestErrorResponsesCountTowardCompletionByDefault(t *testing.T) {
	runLogger := &recordingRunLogger{}
	config := testConfig(servicedef.DefaultMCPScript(), "error-for", "tools/list")
	config.RunLogger = runLogger

	c, verdict := runController(t, config)

	require.Equal(t, framework.OutcomeCompleted, verdict.Outcome, verdict.String())
	rpcErrors := c.Transcript().OfKind(framework.EntryRPCError).Messages()
	require.Len(t, rpcErrors, 1)
	assert.Contains(t, rpcErrors[0], "List Tools")
	assert.Contains(t, rpcErrors[0], "Method not found")

	var listTools framework.RequestResult
	for _, r := range verdict.Requests {
		if r.Name == "List Tools" {
			listTools = r
		}
	}
	assert.True(t, listTools.Answered)
	assert.Contains(t, listTools.RPCError, "Method not found")
}

func TestErrorResponsesCanBeFatal(t *testing.T) {
	config := testConfig(numberedScript(3), "error-for", "ping")
	config.ErrorResponses = ErrorResponsesFatal

	c, verdict := runController(t, config)

	assert.Equal(t, framework.OutcomeFatal, verdict.Outcome)
	assert.Equal(t, FatallyErrored, c.State())
	assert.Contains(t, verdict.Detail, "ping 1")
	assert.Error(t, verdict.Err)
	assert.Less(t, len(sentLines(c)), 3, "no further requests after the fatal error")
}

func TestRequestsFromChildAreAnswered(t *testing.T) {
	c, verdict := runController(t, testConfig(numberedScript(2), "child-request"))

	require.Equal(t, framework.OutcomeCompleted, verdict.Outcome, verdict.String())
	assert.Equal(t, 1, verdict.Anomalies)
	sent := sentLines(c)
	require.NotEmpty(t, sent)
	assert.Contains(t, sent[0], `"id":"srv-1"`)
	assert.Contains(t, sent[0], `-32601`)
}

func TestNotificationsFromChildAreRecorded(t *testing.T) {
	c, verdict := runController(t, testConfig(numberedScript(1), "notify"))

	require.Equal(t, framework.OutcomeCompleted, verdict.Outcome, verdict.String())
	received := c.Transcript().OfKind(framework.EntryReceived).Messages()
	require.Len(t, received, 2)
	assert.Contains(t, received[0], "notifications/message")
	assert.Equal(t, 0, verdict.Anomalies)
}

func TestPacingOverride(t *testing.T) {
	script := numberedScript(2)
	script.Requests[0].DelayAfterMS = ldvalue.NewOptionalInt(300)
	config := testConfig(script, "answer")

	c, verdict := runController(t, config)
	require.Equal(t, framework.OutcomeCompleted, verdict.Outcome, verdict.String())

	sends := c.Transcript().OfKind(framework.EntrySent)
	require.Len(t, sends, 2)
	assert.GreaterOrEqual(t, int64(sends[1].Time.Sub(sends[0].Time)), int64(300*time.Millisecond))
}

func TestInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewController(testConfig(numberedScript(1), "silent"))
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	verdict := c.Run(ctx)
	assert.Equal(t, framework.OutcomeFatal, verdict.Outcome)
	assert.Equal(t, "interrupted", verdict.Detail)
	assert.Equal(t, FatallyErrored, c.State())
}

func TestControllerRunsOnlyOnce(t *testing.T) {
	c := NewController(testConfig(numberedScript(1), "answer"))
	first := c.Run(context.Background())
	require.Equal(t, framework.OutcomeCompleted, first.Outcome, first.String())

	second := c.Run(context.Background())
	assert.Equal(t, framework.OutcomeFatal, second.Outcome)
	assert.Equal(t, Completed, c.State())
}

func TestSkippedRequestsAreReported(t *testing.T) {
	runLogger := &recordingRunLogger{}
	script, skipped := servicedef.DefaultMCPScript().Filter(func(name string) bool { return name != "List Tools" })
	config := testConfig(script, "answer")
	config.Skipped = skipped
	config.RunLogger = runLogger

	_, verdict := runController(t, config)

	require.Equal(t, framework.OutcomeCompleted, verdict.Outcome, verdict.String())
	assert.Equal(t, []string{"List Tools"}, runLogger.skipped)
	require.NotEmpty(t, verdict.Requests)
	assert.True(t, verdict.Requests[0].Skipped)
}

func TestPreflightIsRecordedButDoesNotGate(t *testing.T) {
	handler, requestsCh := httphelpers.RecordingHandler(httphelpers.HandlerWithStatus(500))
	httphelpers.WithServer(handler, func(server *httptest.Server) {
		config := testConfig(numberedScript(1), "answer")
		config.Prober = &preflight.Prober{BaseURL: server.URL, Token: "very-secret-abcd"}

		c, verdict := runController(t, config)

		assert.Equal(t, framework.OutcomeCompleted, verdict.Outcome, verdict.String())
		r := <-requestsCh
		assert.Equal(t, "/api/v1/servers", r.Request.URL.Path)

		entries := c.Transcript().OfKind(framework.EntryPreflight).Messages()
		require.Len(t, entries, 2)
		assert.Contains(t, entries[0], "***abcd")
		assert.Contains(t, entries[1], "500")
		for _, e := range c.Transcript() {
			assert.NotContains(t, e.Message, "very-secret")
		}
	})
}

func TestAgainstMCPServer(t *testing.T) {
	script := servicedef.DefaultMCPScript()
	script.Requests = append(script.Requests, servicedef.Request{
		Name:   "Call Greet",
		Method: "tools/call",
		ID:     ldvalue.Int(3),
		Params: ldvalue.ObjectBuild().
			Set("name", ldvalue.String("greet")).
			Set("arguments", ldvalue.ObjectBuild().Set("name", ldvalue.String("harness")).Build()).
			Build(),
	})
	config := testConfig(script, "mcp-server")
	config.ErrorResponses = ErrorResponsesFatal

	c, verdict := runController(t, config)

	require.Equal(t, framework.OutcomeCompleted, verdict.Outcome, verdict.String())
	received := strings.Join(c.Transcript().OfKind(framework.EntryReceived).Messages(), "\n")
	assert.Contains(t, received, `"name":"greet"`)
	assert.Contains(t, received, "hello harness")
}
