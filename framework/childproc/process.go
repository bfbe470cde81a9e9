// Package childproc starts the service under test as a child process and owns its lifecycle.
//
// Other components only see the stream capabilities of a Process: they read lines from Stdout and
// Stderr, write request lines with Write, and wait on Exited. Termination is always done through
// Terminate, which is safe to call any number of times.
package childproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alessio/shellescape"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"
)

// DefaultGracePeriod is how long Terminate waits after the polite signal before killing the process.
const DefaultGracePeriod = 3 * time.Second

// killWaitBound is how long Terminate waits for the process to be reaped after a forced kill. It is
// also used as the exec.Cmd WaitDelay, so a grandchild that holds the output pipes open cannot keep
// the exit from being observed.
const killWaitBound = 2 * time.Second

// ErrProcessExited is wrapped by a WriteError when a request is written after the child has exited.
var ErrProcessExited = errors.New("child process has exited")

// ErrStillRunning is returned by Terminate if the process could not be reaped even after a kill.
var ErrStillRunning = errors.New("child process did not exit after being killed")

// Spec describes the process to launch.
type Spec struct {
	// Path is the executable. If it contains no path separator it is looked up in PATH.
	Path string
	Args []string
	// Env holds variables that are added to, or replace, the inherited environment.
	Env map[string]string
	Dir string
	// GracePeriod is the time allowed between the polite termination signal and the kill. Zero
	// means DefaultGracePeriod.
	GracePeriod time.Duration
}

// CommandLine returns the command as it could be typed into a shell, for use in transcripts.
func (s Spec) CommandLine() string {
	words := make([]string, 0, len(s.Args)+1)
	words = append(words, shellescape.Quote(s.Path))
	for _, a := range s.Args {
		words = append(words, shellescape.Quote(a))
	}
	return strings.Join(words, " ")
}

// SpawnError means the process could not be started at all.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("could not start %s: %s", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// WriteError means a line could not be delivered to the child's standard input.
type WriteError struct {
	Line string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("could not write to child process: %s", e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ExitStatus describes how the child ended.
type ExitStatus struct {
	// Code is the exit code, or -1 if the process was ended by a signal.
	Code int
	// Signal is the name of the signal that ended the process, if any.
	Signal string
	// Requested is true if the process exited after Terminate was called.
	Requested bool
	// Err is set if the process state could not be determined.
	Err error
}

// Success returns true if the process exited normally with code zero.
func (s ExitStatus) Success() bool {
	return s.Err == nil && s.Signal == "" && s.Code == 0
}

func (s ExitStatus) String() string {
	switch {
	case s.Err != nil:
		return fmt.Sprintf("unknown exit status (%s)", s.Err)
	case s.Signal != "":
		return fmt.Sprintf("terminated by signal %s", s.Signal)
	default:
		return fmt.Sprintf("exit code %d", s.Code)
	}
}

// signalFunc delivers either the polite termination signal or the kill to the process and whatever
// it spawned.
type signalFunc func(p *os.Process, kill bool) error

// Process is a running child. Create it with Start.
type Process struct {
	spec    Spec
	cmd     *exec.Cmd
	loggers ldlog.Loggers

	stdin      *os.File
	writeLock  sync.Mutex
	stdinShut  atomic.Bool
	stdoutRead *io.PipeReader
	stderrRead *io.PipeReader

	exited    chan struct{}
	status    ExitStatus
	requested chan struct{}

	terminateOnce sync.Once
	terminateErr  error
	signal        signalFunc
}

// Start launches the child. The returned error is always a *SpawnError.
//
// If ctx is cancelled while the child is still running, the child is terminated.
func Start(ctx context.Context, spec Spec, loggers ldlog.Loggers) (*Process, error) {
	return start(ctx, spec, loggers, signalProcessGroup)
}

func start(ctx context.Context, spec Spec, loggers ldlog.Loggers, signal signalFunc) (*Process, error) {
	if spec.Path == "" {
		return nil, &SpawnError{Path: spec.Path, Err: errors.New("no executable was specified")}
	}
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}
	if spec.GracePeriod <= 0 {
		spec.GracePeriod = DefaultGracePeriod
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	if cmd.Err != nil {
		return nil, &SpawnError{Path: spec.Path, Err: cmd.Err}
	}
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.WaitDelay = killWaitBound
	configureProcessGroup(cmd)

	// The write end is an *os.File from os.Pipe, so closing it wakes up a Write that is blocked on
	// a child which stopped reading.
	stdinRead, stdin, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}
	cmd.Stdin = stdinRead

	// Output goes through in-memory pipes instead of the ones exec.Cmd would create, so cmd.Wait
	// cannot return until every byte the child wrote has been taken by a reader.
	stdoutRead, stdoutWrite := io.Pipe()
	stderrRead, stderrWrite := io.Pipe()
	cmd.Stdout = stdoutWrite
	cmd.Stderr = stderrWrite

	err = cmd.Start()
	_ = stdinRead.Close()
	if err != nil {
		_ = stdin.Close()
		_ = stdoutWrite.Close()
		_ = stderrWrite.Close()
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}
	loggers.Debugf("Started child process %d: %s", cmd.Process.Pid, spec.CommandLine())

	p := &Process{
		spec:       spec,
		cmd:        cmd,
		loggers:    loggers,
		stdin:      stdin,
		stdoutRead: stdoutRead,
		stderrRead: stderrRead,
		exited:     make(chan struct{}),
		requested:  make(chan struct{}),
		signal:     signal,
	}

	go func() {
		waitErr := cmd.Wait()
		p.status = exitStatusOf(cmd.ProcessState, waitErr)
		select {
		case <-p.requested:
			p.status.Requested = true
		default:
		}
		_ = stdoutWrite.Close()
		_ = stderrWrite.Close()
		loggers.Debugf("Child process %d ended: %s", cmd.Process.Pid, p.status)
		close(p.exited)
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = p.Terminate()
		case <-p.exited:
		}
	}()

	return p, nil
}

// Pid returns the operating system process ID.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// CommandLine returns the shell-quoted command that was run.
func (p *Process) CommandLine() string {
	return p.spec.CommandLine()
}

// Stdout returns the child's standard output. It reaches EOF after the child exits.
func (p *Process) Stdout() io.Reader {
	return p.stdoutRead
}

// Stderr returns the child's standard error. It reaches EOF after the child exits.
func (p *Process) Stderr() io.Reader {
	return p.stderrRead
}

// Exited returns a channel that is closed once the child has exited and all of its output has been
// consumed by readers of Stdout and Stderr.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// ExitStatus returns the exit status, blocking until the child has exited.
func (p *Process) ExitStatus() ExitStatus {
	<-p.exited
	return p.status
}

// HasExited returns true if the child has exited.
func (p *Process) HasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// Write sends one line to the child's standard input, adding the newline. It returns a *WriteError
// if the child has exited or its input has been closed.
//
// Write blocks while the child is not reading and the pipe is full. Terminate unblocks it.
func (p *Process) Write(line []byte) error {
	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	if p.HasExited() {
		return &WriteError{Line: string(line), Err: ErrProcessExited}
	}
	if p.stdinShut.Load() {
		return &WriteError{Line: string(line), Err: os.ErrClosed}
	}
	data := make([]byte, 0, len(line)+1)
	data = append(data, line...)
	data = append(data, '\n')
	if _, err := p.stdin.Write(data); err != nil {
		if p.HasExited() {
			err = fmt.Errorf("%w: %s", ErrProcessExited, err)
		}
		return &WriteError{Line: string(line), Err: err}
	}
	return nil
}

// Terminate stops the child. It closes standard input, stops delivering output to readers, sends
// the polite termination signal, and kills the process if it has not exited within the grace
// period. Calling it again, or after the child has already exited, does nothing further and
// returns the same result.
func (p *Process) Terminate() error {
	p.terminateOnce.Do(func() {
		p.terminateErr = p.terminate()
	})
	return p.terminateErr
}

func (p *Process) terminate() error {
	close(p.requested)

	// writeLock is not taken here, since a Write may be holding it while blocked on a full pipe.
	p.stdinShut.Store(true)
	_ = p.stdin.Close()

	// Nobody reads the output once termination has started; closing the read side keeps the copy
	// from the child's pipes from blocking cmd.Wait.
	_ = p.stdoutRead.CloseWithError(io.ErrClosedPipe)
	_ = p.stderrRead.CloseWithError(io.ErrClosedPipe)

	if p.HasExited() {
		return nil
	}

	p.loggers.Debugf("Sending termination signal to child process %d", p.Pid())
	if err := p.signal(p.cmd.Process, false); err != nil {
		p.loggers.Debugf("Termination signal failed: %s", err)
	}
	grace := time.NewTimer(p.spec.GracePeriod)
	defer grace.Stop()
	select {
	case <-p.exited:
		return nil
	case <-grace.C:
	}

	p.loggers.Warnf("Child process %d did not exit within %s; killing it", p.Pid(), p.spec.GracePeriod)
	if err := p.signal(p.cmd.Process, true); err != nil {
		p.loggers.Debugf("Kill failed: %s", err)
	}
	bound := time.NewTimer(killWaitBound)
	defer bound.Stop()
	select {
	case <-p.exited:
		return nil
	case <-bound.C:
		return ErrStillRunning
	}
}

func exitStatusOf(state *os.ProcessState, waitErr error) ExitStatus {
	if state == nil {
		if waitErr == nil {
			waitErr = errors.New("no process state available")
		}
		return ExitStatus{Code: -1, Err: waitErr}
	}
	status := ExitStatus{Code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signal = ws.Signal().String()
	}
	return status
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	ret := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		name := kv
		if i := strings.IndexByte(kv, '='); i > 0 {
			name = kv[:i]
		}
		if _, replaced := overrides[name]; !replaced {
			ret = append(ret, kv)
		}
	}
	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ret = append(ret, name+"="+overrides[name])
	}
	return ret
}
