package main

import (
	"fmt"
	"io"

	"github.com/launchdarkly/stdio-contract-tests/framework"
)

// ConsoleRunLogger prints progress as the run happens, and the transcript at the end.
type ConsoleRunLogger struct {
	Out                 io.Writer
	TranscriptOnFailure bool
	TranscriptOnSuccess bool
}

func (c *ConsoleRunLogger) RunStarted(id framework.RunID, commandLine string) {
	fmt.Fprintf(c.Out, "[%s] started %s\n", id, commandLine)
}

func (c *ConsoleRunLogger) RequestSent(name string) {
	fmt.Fprintf(c.Out, "  sending %s\n", name)
}

func (c *ConsoleRunLogger) RequestSkipped(name string, reason string) {
	if reason == "" {
		fmt.Fprintf(c.Out, "  SKIPPED: %s\n", name)
	} else {
		fmt.Fprintf(c.Out, "  SKIPPED: %s (%s)\n", name, reason)
	}
}

func (c *ConsoleRunLogger) ResponseReceived(result framework.RequestResult) {
	if result.RPCError != "" {
		fmt.Fprintf(c.Out, "  received error for %s: %s\n", result.Name, result.RPCError)
	} else {
		fmt.Fprintf(c.Out, "  received response for %s\n", result.Name)
	}
}

func (c *ConsoleRunLogger) RunFinished(verdict framework.RunVerdict, transcript framework.CapturedOutput) {
	failed := !verdict.OK()
	if len(transcript) > 0 &&
		((failed && c.TranscriptOnFailure) || (!failed && c.TranscriptOnSuccess)) {
		fmt.Fprintln(c.Out)
		fmt.Fprintln(c.Out, "Transcript:")
		transcript.Dump(c.Out, "    ")
	}
	fmt.Fprintln(c.Out)
}
