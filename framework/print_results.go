package framework

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

var (
	passColor = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	warnColor = color.New(color.FgYellow)
)

// PrintResults writes the summary of a run to standard output.
func PrintResults(verdict RunVerdict) {
	WriteResults(os.Stdout, verdict)
}

// WriteResults writes the summary of a run: one line per scripted request, then the outcome line.
func WriteResults(out io.Writer, verdict RunVerdict) {
	for _, r := range verdict.Requests {
		switch {
		case r.Skipped:
			fmt.Fprintf(out, "  SKIPPED  %s\n", r.Name)
		case r.RPCError != "":
			warnColor.Fprintf(out, "  ERROR    %s (id %s): %s\n", r.Name, r.ID, r.RPCError)
		case r.Answered:
			fmt.Fprintf(out, "  OK       %s (id %s) in %s\n", r.Name, r.ID, r.Elapsed)
		case r.Sent && r.ID == "":
			fmt.Fprintf(out, "  SENT     %s (notification)\n", r.Name)
		case r.Sent:
			failColor.Fprintf(out, "  PENDING  %s (id %s)\n", r.Name, r.ID)
		default:
			fmt.Fprintf(out, "  NOT SENT %s\n", r.Name)
		}
	}
	if verdict.Anomalies > 0 {
		warnColor.Fprintf(out, "%d anomalies were recorded in the transcript\n", verdict.Anomalies)
	}
	if verdict.OK() {
		passColor.Fprintf(out, "PASSED: %s\n", verdict)
	} else {
		failColor.Fprintf(out, "FAILED: %s\n", verdict)
		if verdict.Err != nil {
			fmt.Fprintf(out, "  cause: %s\n", verdict.Err)
		}
	}
	if verdict.Exit != "" {
		fmt.Fprintf(out, "Child process: %s\n", verdict.Exit)
	}
}
