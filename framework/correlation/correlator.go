// Package correlation matches responses from the child process to the requests that were sent to
// it, by identifier rather than by position.
package correlation

import (
	"fmt"
	"sort"
	"time"

	"github.com/launchdarkly/stdio-contract-tests/framework/rpcwire"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"
)

// Match describes a response that completed a pending request.
type Match struct {
	Key      string
	Name     string
	Method   string
	Elapsed  time.Duration
	Response rpcwire.ResponseRecord
}

// IsError returns true if the matching response was a JSON-RPC error.
func (m Match) IsError() bool {
	return m.Response.IsError()
}

type pendingRequest struct {
	name   string
	method string
	sentAt time.Time
}

// Correlator holds the set of requests that have been sent but not yet answered.
//
// There is exactly one Correlator per run and it is only used from the harness's coordinating
// goroutine, so it does no locking of its own.
type Correlator struct {
	pending map[string]pendingRequest
	matched int
	unknown int
	loggers ldlog.Loggers
	nowFunc func() time.Time
}

// NewCorrelator creates an empty Correlator. Unmatched responses are reported at Warn level
// through loggers.
func NewCorrelator(loggers ldlog.Loggers) *Correlator {
	return &Correlator{
		pending: make(map[string]pendingRequest),
		loggers: loggers,
		nowFunc: time.Now,
	}
}

// Expect records that a request with the given correlation key has been sent.
func (c *Correlator) Expect(key, name, method string) error {
	if _, ok := c.pending[key]; ok {
		return fmt.Errorf("request id %s is already pending (request %q)", key, name)
	}
	c.pending[key] = pendingRequest{name: name, method: method, sentAt: c.nowFunc()}
	return nil
}

// Forget removes a pending request without counting it as answered; it is used when the write
// of that request failed.
func (c *Correlator) Forget(key string) {
	delete(c.pending, key)
}

// Observe matches a response against the pending set. If the identifier is pending, it is removed
// and the match is returned. Otherwise the response is an anomaly: it is logged and the pending
// set is left unchanged.
func (c *Correlator) Observe(record rpcwire.ResponseRecord) (Match, bool) {
	p, ok := c.pending[record.Key]
	if !ok {
		c.unknown++
		c.loggers.Warnf("Received response with id %s that matches no pending request: %s", record.Key, record.Raw)
		return Match{}, false
	}
	delete(c.pending, record.Key)
	c.matched++
	return Match{
		Key:      record.Key,
		Name:     p.name,
		Method:   p.method,
		Elapsed:  c.nowFunc().Sub(p.sentAt),
		Response: record,
	}, true
}

// Pending returns the number of requests still awaiting a response.
func (c *Correlator) Pending() int {
	return len(c.pending)
}

// Matched returns the number of responses that completed a request.
func (c *Correlator) Matched() int {
	return c.matched
}

// Unmatched returns the number of responses that matched nothing.
func (c *Correlator) Unmatched() int {
	return c.unknown
}

// PendingNames returns a sorted snapshot of the names of unanswered requests.
func (c *Correlator) PendingNames() []string {
	ret := make([]string, 0, len(c.pending))
	for _, p := range c.pending {
		ret = append(ret, p.name)
	}
	sort.Strings(ret)
	return ret
}
