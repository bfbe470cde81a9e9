package framework

import (
	"fmt"
	"io"
	"sync"
	"time"
)

const timestampFormat = "2006-01-02 15:04:05.000"

// EntryKind identifies what a transcript entry records.
type EntryKind string

const (
	EntrySent       EntryKind = "send"
	EntryReceived   EntryKind = "recv"
	EntryMatched    EntryKind = "match"
	EntryRPCError   EntryKind = "rpc-error"
	EntryDiagnostic EntryKind = "stdout"
	EntryStderr     EntryKind = "stderr"
	EntryAnomaly    EntryKind = "anomaly"
	EntryPreflight  EntryKind = "preflight"
	EntryState      EntryKind = "state"
)

type CapturedMessage struct {
	Time    time.Time
	Kind    EntryKind
	Message string
}

type CapturedOutput []CapturedMessage

// Transcript accumulates the timestamped record of one run. It is safe for concurrent use, since
// the stream readers and the controller all write to it.
type Transcript struct {
	output []CapturedMessage
	lock   sync.Mutex
	now    func() time.Time
}

func (t *Transcript) Record(kind EntryKind, message string, args ...interface{}) {
	if len(args) > 0 {
		message = fmt.Sprintf(message, args...)
	}
	t.lock.Lock()
	now := time.Now
	if t.now != nil {
		now = t.now
	}
	t.output = append(t.output, CapturedMessage{Time: now(), Kind: kind, Message: message})
	t.lock.Unlock()
}

func (t *Transcript) Output() CapturedOutput {
	t.lock.Lock()
	ret := append(CapturedOutput(nil), t.output...)
	t.lock.Unlock()
	return ret
}

// OfKind returns only the entries of the given kinds, in their original order.
func (output CapturedOutput) OfKind(kinds ...EntryKind) CapturedOutput {
	var ret CapturedOutput
	for _, m := range output {
		for _, k := range kinds {
			if m.Kind == k {
				ret = append(ret, m)
				break
			}
		}
	}
	return ret
}

// Messages returns just the message text of each entry.
func (output CapturedOutput) Messages() []string {
	ret := make([]string, 0, len(output))
	for _, m := range output {
		ret = append(ret, m.Message)
	}
	return ret
}

func (output CapturedOutput) Dump(dest io.Writer, prefix string) {
	for _, m := range output {
		fmt.Fprintf(dest, "%s[%s] %-9s %s\n",
			prefix,
			m.Time.Format(timestampFormat),
			m.Kind,
			m.Message,
		)
	}
}
