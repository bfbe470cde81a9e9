// Package harness drives one run against a child process: it starts the child, sends the scripted
// requests at a fixed pace, matches the responses, and decides the outcome.
//
// All run state is owned by a single goroutine inside Run, which selects over the events coming
// from the child's output streams and exit, the warm-up, pacing and deadline timers, and the
// caller's context.
package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/launchdarkly/stdio-contract-tests/framework"
	"github.com/launchdarkly/stdio-contract-tests/framework/childproc"
	"github.com/launchdarkly/stdio-contract-tests/framework/correlation"
	"github.com/launchdarkly/stdio-contract-tests/framework/lines"
	"github.com/launchdarkly/stdio-contract-tests/framework/preflight"
	"github.com/launchdarkly/stdio-contract-tests/framework/rpcwire"
	"github.com/launchdarkly/stdio-contract-tests/servicedef"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"
)

// exitSettleTime bounds how long the controller waits for the exit of a child that has stopped
// accepting input.
const exitSettleTime = time.Second

// Config describes a run.
type Config struct {
	Command childproc.Spec
	Script  servicedef.Script
	// Skipped names scripted requests that were filtered out; they are only reported.
	Skipped []string

	WarmUp   time.Duration
	Pacing   time.Duration
	Deadline time.Duration

	// FatalMarkers are substrings that end the run when they appear in a stderr line.
	FatalMarkers   []string
	ErrorResponses ErrorResponsePolicy

	// Prober, if set, is run before the child is started. Its result never affects the outcome.
	Prober *preflight.Prober

	Loggers   ldlog.Loggers
	RunLogger framework.RunLogger
}

// Controller runs a Config once.
type Controller struct {
	config     Config
	state      int32
	used       int32
	runID      framework.RunID
	transcript *framework.Transcript
}

// NewController creates a Controller in the NotStarted state.
func NewController(config Config) *Controller {
	if config.RunLogger == nil {
		config.RunLogger = framework.NullRunLogger()
	}
	return &Controller{
		config:     config,
		runID:      framework.NewRunID(),
		transcript: &framework.Transcript{},
	}
}

// State returns the current state. It may be called from any goroutine.
func (c *Controller) State() State {
	return State(atomic.LoadInt32(&c.state))
}

func (c *Controller) setState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
	c.transcript.Record(framework.EntryState, "%s", s)
	c.config.Loggers.Debugf("Run %s entered state %s", c.runID, s)
}

// RunID returns the identifier that the transcript and verdict are tagged with.
func (c *Controller) RunID() framework.RunID {
	return c.runID
}

// Transcript returns everything recorded so far.
func (c *Controller) Transcript() framework.CapturedOutput {
	return c.transcript.Output()
}

type eventKind int

const (
	eventStdout eventKind = iota
	eventStderr
	eventExited
)

type event struct {
	kind    eventKind
	line    string
	message rpcwire.Message
	status  childproc.ExitStatus
}

type encodedRequest struct {
	request servicedef.Request
	line    []byte
	key     string
}

// writeJob is a line waiting to go to the child's input. request is nil for a reply to a request
// that the child sent.
type writeJob struct {
	request *encodedRequest
	line    []byte
	method  string
}

type writeResult struct {
	job writeJob
	err error
}

// run holds the state of one call to Run. It is only touched by the coordinating goroutine.
type run struct {
	c          *Controller
	proc       *childproc.Process
	requests   []encodedRequest
	results    []framework.RequestResult
	resultKeys map[string]int
	correlator *correlation.Correlator
	events     <-chan event
	next       int
	anomalies  int
	exited     bool
	sendFailed bool

	writeQueue   []writeJob
	writing      bool
	writeResults chan writeResult

	pacing   *time.Timer
	pacingC  <-chan time.Time
	deadline *time.Timer
}

// Run performs the run and returns its verdict. It always leaves the child process terminated.
// Cancelling ctx ends the run as FatallyErrored.
func (c *Controller) Run(ctx context.Context) framework.RunVerdict {
	started := time.Now()
	verdict := c.run(ctx)
	verdict.RunID = c.runID
	verdict.Started = started
	verdict.Finished = time.Now()
	c.transcript.Record(framework.EntryState, "outcome %s", verdict)
	c.config.RunLogger.RunFinished(verdict, c.transcript.Output())
	return verdict
}

func (c *Controller) run(ctx context.Context) framework.RunVerdict {
	if !atomic.CompareAndSwapInt32(&c.used, 0, 1) {
		return framework.RunVerdict{Outcome: framework.OutcomeFatal, Detail: "controller was already used"}
	}
	c.transcript.Record(framework.EntryState, "run %s", c.runID)

	for _, name := range c.config.Skipped {
		c.transcript.Record(framework.EntryState, "skipping request %q", name)
		c.config.RunLogger.RequestSkipped(name, "excluded by filter")
	}

	requests, err := encodeScript(c.config.Script)
	if err != nil {
		c.setState(FatallyErrored)
		return framework.RunVerdict{Outcome: framework.OutcomeFatal, Detail: "invalid script", Err: err}
	}

	if c.config.Prober != nil {
		c.setState(Preflighting)
		p := c.config.Prober
		c.transcript.Record(framework.EntryPreflight, "probing %s with token %s", p.URL(), preflight.MaskToken(p.Token))
		result := p.Probe(ctx)
		c.transcript.Record(framework.EntryPreflight, "%s", result)
		if !result.Reachable {
			c.config.Loggers.Warnf("Preflight probe did not succeed, continuing anyway: %s", result)
		}
	}

	c.setState(Spawning)
	proc, err := childproc.Start(ctx, c.config.Command, c.config.Loggers)
	if err != nil {
		c.setState(FatallyErrored)
		return framework.RunVerdict{Outcome: framework.OutcomeFatal, Detail: "could not start child process", Err: err}
	}
	c.transcript.Record(framework.EntryState, "started pid %d: %s", proc.Pid(), proc.CommandLine())
	c.config.RunLogger.RunStarted(c.runID, proc.CommandLine())

	r := &run{
		c:            c,
		proc:         proc,
		requests:     requests,
		resultKeys:   make(map[string]int),
		correlator:   correlation.NewCorrelator(c.config.Loggers),
		writeResults: make(chan writeResult, 1),
	}
	for _, name := range c.config.Skipped {
		r.results = append(r.results, framework.RequestResult{Name: name, Skipped: true})
	}
	for _, req := range requests {
		if req.key != "" {
			r.resultKeys[req.key] = len(r.results)
		}
		r.results = append(r.results, framework.RequestResult{
			Name: req.request.Name, Method: req.request.Method, ID: req.key,
		})
	}

	done := make(chan struct{})
	events := make(chan event, 100)
	r.events = events
	startEventSources(proc, events, done)

	state, verdict := r.loop(ctx)

	close(done)
	if err := proc.Terminate(); err != nil {
		c.config.Loggers.Errorf("Could not stop child process %d: %s", proc.Pid(), err)
		c.transcript.Record(framework.EntryAnomaly, "child process %d could not be stopped: %s", proc.Pid(), err)
	}
	if proc.HasExited() {
		verdict.Exit = proc.ExitStatus().String()
	}
	r.stopTimers()
	c.setState(state)

	verdict.Requests = r.results
	verdict.Pending = r.correlator.PendingNames()
	verdict.Anomalies = r.anomalies
	return verdict
}

// startEventSources starts one goroutine per output stream, and one that reports the exit. The
// exit is only reported after both readers have delivered everything, so the coordinating
// goroutine sees every line before it sees the exit.
func startEventSources(proc *childproc.Process, events chan<- event, done <-chan struct{}) {
	var readers sync.WaitGroup
	readers.Add(2)
	go readStream(proc.Stdout(), eventStdout, events, done, &readers)
	go readStream(proc.Stderr(), eventStderr, events, done, &readers)
	go func() {
		select {
		case <-proc.Exited():
		case <-done:
			return
		}
		readers.Wait()
		select {
		case events <- event{kind: eventExited, status: proc.ExitStatus()}:
		case <-done:
		}
	}()
}

func readStream(stream io.Reader, kind eventKind, events chan<- event, done <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	_ = lines.ReadLines(stream, func(line string) bool {
		e := event{kind: kind, line: line}
		if kind == eventStdout {
			e.message = rpcwire.Classify(line)
		}
		select {
		case events <- e:
			return true
		case <-done:
			return false
		}
	})
}

func (r *run) loop(ctx context.Context) (State, framework.RunVerdict) {
	config := r.c.config
	warmUp := time.NewTimer(config.WarmUp)
	defer warmUp.Stop()
	warmUpC := warmUp.C
	var deadlineC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return interrupted(ctx)

		case <-warmUpC:
			warmUpC = nil
			if state, v, ended := r.drainEvents(ctx); ended {
				return state, v
			}
			r.c.setState(AwaitingResponses)
			r.deadline = time.NewTimer(config.Deadline)
			deadlineC = r.deadline.C
			if state, v, ended := r.sendNext(); ended {
				return state, v
			}

		case <-r.pacingC:
			r.pacingC = nil
			if state, v, ended := r.drainEvents(ctx); ended {
				return state, v
			}
			if state, v, ended := r.sendNext(); ended {
				return state, v
			}

		case res := <-r.writeResults:
			if state, v, ended := r.handleWriteResult(res); ended {
				return state, v
			}

		case <-deadlineC:
			return TimedOut, framework.RunVerdict{
				Outcome: framework.OutcomeTimedOut,
				Detail:  fmt.Sprintf("not all responses were received within %s", config.Deadline),
			}

		case e := <-r.events:
			if ctx.Err() != nil {
				// the child may have been stopped by the cancellation itself
				return interrupted(ctx)
			}
			if state, v, ended := r.handleEvent(e); ended {
				return state, v
			}
		}
	}
}

func interrupted(ctx context.Context) (State, framework.RunVerdict) {
	return FatallyErrored, framework.RunVerdict{Outcome: framework.OutcomeFatal, Detail: "interrupted", Err: ctx.Err()}
}

// drainEvents handles the events that are already waiting, so that a fatal marker or an exit that
// arrived at the same time as a timer is acted on before another request is sent.
func (r *run) drainEvents(ctx context.Context) (State, framework.RunVerdict, bool) {
	for {
		select {
		case e := <-r.events:
			if ctx.Err() != nil {
				state, v := interrupted(ctx)
				return state, v, true
			}
			if state, v, ended := r.handleEvent(e); ended {
				return state, v, true
			}
		default:
			return 0, framework.RunVerdict{}, false
		}
	}
}

// schedulePacing starts the delay before the request after req, if there is one.
func (r *run) schedulePacing(req *encodedRequest) {
	if r.next >= len(r.requests) {
		return
	}
	delay := r.c.config.Pacing
	if override, ok := req.request.DelayAfterMS.Get(); ok {
		delay = time.Duration(override) * time.Millisecond
	}
	r.pacing = time.NewTimer(delay)
	r.pacingC = r.pacing.C
}

func (r *run) stopTimers() {
	if r.pacing != nil {
		r.pacing.Stop()
	}
	if r.deadline != nil {
		r.deadline.Stop()
	}
}

func (r *run) sendNext() (State, framework.RunVerdict, bool) {
	if r.next >= len(r.requests) {
		return r.checkCompletion()
	}
	req := &r.requests[r.next]
	r.next++

	if req.key != "" {
		if err := r.correlator.Expect(req.key, req.request.Name, req.request.Method); err != nil {
			return FatallyErrored, framework.RunVerdict{Outcome: framework.OutcomeFatal, Detail: "invalid script", Err: err}, true
		}
	}
	r.enqueueWrite(writeJob{request: req, line: req.line})
	return 0, framework.RunVerdict{}, false
}

func (r *run) enqueueWrite(job writeJob) {
	r.writeQueue = append(r.writeQueue, job)
	r.startWrite()
}

// startWrite hands the next queued line to a goroutine, and the result comes back on
// writeResults. At most one write is in flight, so lines never interleave and the coordinating
// goroutine keeps handling events and timers while a child that is not reading holds up a write.
func (r *run) startWrite() {
	if r.writing || len(r.writeQueue) == 0 {
		return
	}
	job := r.writeQueue[0]
	r.writeQueue = r.writeQueue[1:]
	r.writing = true

	r.c.transcript.Record(framework.EntrySent, "%s", job.line)
	if job.request != nil {
		r.c.config.RunLogger.RequestSent(job.request.request.Name)
	}
	proc, results := r.proc, r.writeResults
	go func() {
		results <- writeResult{job: job, err: proc.Write(job.line)}
	}()
}

func (r *run) handleWriteResult(res writeResult) (State, framework.RunVerdict, bool) {
	r.writing = false
	job := res.job
	if job.request == nil {
		if res.err != nil {
			return FatallyErrored, framework.RunVerdict{
				Outcome: framework.OutcomeFatal,
				Detail:  fmt.Sprintf("could not answer %s request from child", job.method),
				Err:     res.err,
			}, true
		}
		r.startWrite()
		return r.checkCompletion()
	}

	req := job.request
	if res.err != nil {
		r.correlator.Forget(req.key)
		r.sendFailed = true
		r.c.transcript.Record(framework.EntryAnomaly, "could not send %s: %s", req.request.Name, res.err)
		failure := framework.RunVerdict{
			Outcome: framework.OutcomeFatal,
			Detail:  fmt.Sprintf("could not send %s", req.request.Name),
			Err:     res.err,
		}
		if !r.exited {
			return r.awaitExit(failure)
		}
		return FatallyErrored, failure, true
	}
	if i, ok := r.resultKeys[req.key]; ok {
		r.results[i].Sent = true
	} else {
		r.markNotificationSent(req.request.Name)
	}
	r.schedulePacing(req)
	r.startWrite()
	return r.checkCompletion()
}

// awaitExit is used when a write failed, usually because the child is gone but its exit has not
// been handled yet. The remaining output and the exit status are processed first, so that a crash is
// reported as an abnormal exit rather than as the write failure it caused.
func (r *run) awaitExit(failure framework.RunVerdict) (State, framework.RunVerdict, bool) {
	settle := time.NewTimer(exitSettleTime)
	defer settle.Stop()
	for !r.exited {
		select {
		case e := <-r.events:
			if state, v, ended := r.handleEvent(e); ended {
				return state, v, true
			}
		case <-settle.C:
			return FatallyErrored, failure, true
		}
	}
	return FatallyErrored, failure, true
}

func (r *run) markNotificationSent(name string) {
	for i := range r.results {
		if r.results[i].Name == name && r.results[i].ID == "" && !r.results[i].Skipped && !r.results[i].Sent {
			r.results[i].Sent = true
			return
		}
	}
}

func (r *run) checkCompletion() (State, framework.RunVerdict, bool) {
	if r.sendFailed || r.writing || len(r.writeQueue) > 0 ||
		r.next < len(r.requests) || r.correlator.Pending() > 0 {
		return 0, framework.RunVerdict{}, false
	}
	return Completed, framework.RunVerdict{
		Outcome: framework.OutcomeCompleted,
		Detail:  fmt.Sprintf("%d responses matched", r.correlator.Matched()),
	}, true
}

func (r *run) handleEvent(e event) (State, framework.RunVerdict, bool) {
	switch e.kind {
	case eventStdout:
		return r.handleStdout(e.message)
	case eventStderr:
		return r.handleStderr(e.line)
	default:
		return r.handleExit(e.status)
	}
}

func (r *run) handleStdout(m rpcwire.Message) (State, framework.RunVerdict, bool) {
	t := r.c.transcript
	switch m.Kind {
	case rpcwire.KindResponse:
		t.Record(framework.EntryReceived, "%s", m.Line)
		return r.handleResponse(*m.Response)

	case rpcwire.KindRequest:
		t.Record(framework.EntryReceived, "%s", m.Line)
		r.anomalies++
		t.Record(framework.EntryAnomaly, "child sent an unsupported request %q; answering with an error", m.Method)
		reply, err := rpcwire.EncodeErrorResponse(m.RequestID, jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("method %q is not supported by this client", m.Method))
		if err != nil {
			return FatallyErrored, framework.RunVerdict{
				Outcome: framework.OutcomeFatal,
				Detail:  fmt.Sprintf("could not answer %s request from child", m.Method),
				Err:     err,
			}, true
		}
		r.enqueueWrite(writeJob{line: reply, method: m.Method})

	case rpcwire.KindNotification:
		t.Record(framework.EntryReceived, "%s", m.Line)

	default:
		if m.Malformed != nil {
			r.anomalies++
			t.Record(framework.EntryAnomaly, "unparseable protocol line (%s): %s", m.Malformed, m.Line)
			r.c.config.Loggers.Warnf("Could not parse line from child as JSON-RPC: %s", m.Malformed)
		} else {
			t.Record(framework.EntryDiagnostic, "%s", m.Line)
		}
	}
	return 0, framework.RunVerdict{}, false
}

func (r *run) handleResponse(rec rpcwire.ResponseRecord) (State, framework.RunVerdict, bool) {
	t := r.c.transcript
	match, ok := r.correlator.Observe(rec)
	if !ok {
		r.anomalies++
		t.Record(framework.EntryAnomaly, "response with id %s does not match any pending request", rec.Key)
		return 0, framework.RunVerdict{}, false
	}

	i := r.resultKeys[match.Key]
	r.results[i].Answered = true
	r.results[i].Elapsed = match.Elapsed
	if match.IsError() {
		r.results[i].RPCError = match.Response.Err.Error()
		t.Record(framework.EntryRPCError, "%s (id %s) answered with error: %s", match.Name, match.Key, match.Response.Err)
	} else {
		t.Record(framework.EntryMatched, "%s (id %s) answered in %s", match.Name, match.Key, match.Elapsed.Round(time.Millisecond))
	}
	r.c.config.RunLogger.ResponseReceived(r.results[i])

	if match.IsError() && r.c.config.ErrorResponses == ErrorResponsesFatal {
		return FatallyErrored, framework.RunVerdict{
			Outcome: framework.OutcomeFatal,
			Detail:  fmt.Sprintf("%s was answered with an error", match.Name),
			Err:     match.Response.Err,
		}, true
	}
	if r.c.State() != AwaitingResponses {
		return 0, framework.RunVerdict{}, false
	}
	return r.checkCompletion()
}

func (r *run) handleStderr(line string) (State, framework.RunVerdict, bool) {
	r.c.transcript.Record(framework.EntryStderr, "%s", line)
	for _, marker := range r.c.config.FatalMarkers {
		if marker != "" && strings.Contains(line, marker) {
			return FatallyErrored, framework.RunVerdict{
				Outcome: framework.OutcomeFatal,
				Detail:  fmt.Sprintf("child reported a fatal error: %s", strings.TrimSpace(line)),
			}, true
		}
	}
	return 0, framework.RunVerdict{}, false
}

func (r *run) handleExit(status childproc.ExitStatus) (State, framework.RunVerdict, bool) {
	r.exited = true
	r.c.transcript.Record(framework.EntryState, "child exited: %s", status)
	if !status.Success() {
		return AbnormallyExited, framework.RunVerdict{
			Outcome: framework.OutcomeAbnormalExit,
			Detail:  fmt.Sprintf("child process ended early with %s", status),
			Err:     status.Err,
		}, true
	}
	// A clean exit is not an outcome by itself: the next send fails, or the deadline expires.
	r.c.transcript.Record(framework.EntryAnomaly, "child exited with code 0 with %d requests unanswered and %d unsent",
		r.correlator.Pending(), len(r.requests)-r.next)
	r.c.config.Loggers.Warnf("Child process exited cleanly before the run completed")
	return 0, framework.RunVerdict{}, false
}

func encodeScript(script servicedef.Script) ([]encodedRequest, error) {
	if len(script.Requests) == 0 {
		return nil, fmt.Errorf("script %q contains no requests", script.Name)
	}
	ret := make([]encodedRequest, 0, len(script.Requests))
	for _, req := range script.Requests {
		params := json.RawMessage(req.ParamsJSON())
		if req.Notification {
			line, err := rpcwire.EncodeNotification(req.Method, params)
			if err != nil {
				return nil, fmt.Errorf("request %q: %w", req.Name, err)
			}
			ret = append(ret, encodedRequest{request: req, line: line})
			continue
		}
		id, err := rpcwire.MakeID(req.IDValue())
		if err != nil {
			return nil, fmt.Errorf("request %q: %w", req.Name, err)
		}
		line, err := rpcwire.EncodeRequest(id, req.Method, params)
		if err != nil {
			return nil, fmt.Errorf("request %q: %w", req.Name, err)
		}
		ret = append(ret, encodedRequest{request: req, line: line, key: rpcwire.IDKey(id)})
	}
	return ret, nil
}
