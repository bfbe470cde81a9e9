package framework

// RunLogger receives progress notifications from the harness, for console output.
type RunLogger interface {
	RunStarted(id RunID, commandLine string)
	RequestSent(name string)
	RequestSkipped(name string, reason string)
	ResponseReceived(result RequestResult)
	RunFinished(verdict RunVerdict, transcript CapturedOutput)
}

type nullRunLogger struct{}

func (n nullRunLogger) RunStarted(RunID, string)               {}
func (n nullRunLogger) RequestSent(string)                     {}
func (n nullRunLogger) RequestSkipped(string, string)          {}
func (n nullRunLogger) ResponseReceived(RequestResult)         {}
func (n nullRunLogger) RunFinished(RunVerdict, CapturedOutput) {}

func NullRunLogger() RunLogger { return nullRunLogger{} }
