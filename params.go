package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/launchdarkly/stdio-contract-tests/config"
	"github.com/launchdarkly/stdio-contract-tests/framework"
	"github.com/launchdarkly/stdio-contract-tests/framework/childproc"
	"github.com/launchdarkly/stdio-contract-tests/framework/harness"
	"github.com/launchdarkly/stdio-contract-tests/framework/preflight"
	"github.com/launchdarkly/stdio-contract-tests/servicedef"
)

type commandParams struct {
	configPath     string
	scriptPath     string
	dir            string
	filters        framework.RegexFilters
	env            envFlag
	warmUp         time.Duration
	pacing         time.Duration
	timeout        time.Duration
	grace          time.Duration
	fatalMarkers   stringList
	errorResponses string
	preflight      bool
	requireEnv     stringList
	requireFiles   stringList
	debug          bool
	debugAll       bool
	noColor        bool
	command        []string
}

func (c *commandParams) Read(args []string, errOut io.Writer) bool {
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.Usage = func() {
		fmt.Fprintf(errOut, "Usage: %s [options] -- executable [args...]\n", args[0])
		fs.PrintDefaults()
	}
	fs.StringVar(&c.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&c.scriptPath, "script", "", "request script (.yaml, .toml or .json); default is the MCP handshake")
	fs.StringVar(&c.dir, "dir", "", "working directory for the child process")
	fs.Var(&c.filters.MustMatch, "run", "regex pattern(s) to select requests to send")
	fs.Var(&c.filters.MustNotMatch, "skip", "regex pattern(s) to select requests not to send")
	fs.Var(&c.env, "env", "KEY=VALUE to add to the child environment (repeatable)")
	fs.DurationVar(&c.warmUp, "warmup", 0, "delay before the first request (default 2s)")
	fs.DurationVar(&c.pacing, "pacing", 0, "delay between requests (default 1s)")
	fs.DurationVar(&c.timeout, "timeout", 0, "time allowed for all responses (default 30s)")
	fs.DurationVar(&c.grace, "grace", 0, "time allowed for the child to exit before it is killed (default 3s)")
	fs.Var(&c.fatalMarkers, "fatal-marker", `stderr text that ends the run (repeatable; default "Fatal error:")`)
	fs.StringVar(&c.errorResponses, "error-responses", "",
		`what a JSON-RPC error response means: "complete" (default) or "fatal"`)
	fs.BoolVar(&c.preflight, "preflight", false, "probe the backend API before starting the child")
	fs.Var(&c.requireEnv, "require-env", "environment variable that must be set (repeatable)")
	fs.Var(&c.requireFiles, "require-file", "file that must exist, relative to -dir (repeatable)")
	fs.BoolVar(&c.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&c.debugAll, "debug-all", false, "show the transcript for successful runs too")
	fs.BoolVar(&c.noColor, "no-color", false, "disable colored output")

	if err := fs.Parse(args[1:]); err != nil {
		return false
	}
	c.command = fs.Args()
	return true
}

// applyTo overrides the file configuration with whatever was set on the command line.
func (c *commandParams) applyTo(cfg *config.Config) error {
	if len(c.command) > 0 {
		cfg.Command = c.command
	}
	if c.dir != "" {
		cfg.Dir = c.dir
	}
	if c.scriptPath != "" {
		cfg.Script = c.scriptPath
	}
	if len(c.env) > 0 {
		if cfg.Env == nil {
			cfg.Env = make(map[string]string)
		}
		for k, v := range c.env {
			cfg.Env[k] = v
		}
	}
	for raw, d := range map[*string]time.Duration{
		&cfg.RawWarmUp: c.warmUp, &cfg.RawPacing: c.pacing, &cfg.RawTimeout: c.timeout, &cfg.RawGracePeriod: c.grace,
	} {
		if d > 0 {
			*raw = d.String()
		}
	}
	if len(c.fatalMarkers) > 0 {
		cfg.FatalMarkers = c.fatalMarkers
	}
	if c.errorResponses != "" {
		cfg.ErrorResponses = c.errorResponses
	}
	if c.preflight {
		cfg.Preflight.Enabled = true
	}
	cfg.RequireEnv = append(cfg.RequireEnv, c.requireEnv...)
	cfg.RequireFiles = append(cfg.RequireFiles, c.requireFiles...)

	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(cfg.Command) == 0 {
		return fmt.Errorf("no command was given; put the executable and its arguments after --")
	}
	return nil
}

// runLogger returns the console logger. The transcript is always shown for a failed run.
func (c *commandParams) runLogger(out io.Writer) *ConsoleRunLogger {
	return &ConsoleRunLogger{
		Out:                 out,
		TranscriptOnFailure: true,
		TranscriptOnSuccess: c.debugAll,
	}
}

// loadScript returns the configured script, or the default MCP handshake.
func loadScript(cfg *config.Config) (servicedef.Script, error) {
	if cfg.Script == "" {
		script := servicedef.DefaultMCPScript()
		return script, script.Normalize()
	}
	return servicedef.LoadScript(cfg.Script)
}

// harnessConfig builds the run configuration. lookupEnv is used to find the preflight settings.
func harnessConfig(cfg *config.Config, script servicedef.Script, lookupEnv func(string) (string, bool)) harness.Config {
	hc := harness.Config{
		Command: childproc.Spec{
			Path:        cfg.Command[0],
			Args:        cfg.Command[1:],
			Env:         cfg.ChildEnv(),
			Dir:         cfg.Dir,
			GracePeriod: cfg.GracePeriod(),
		},
		Script:       script,
		WarmUp:       cfg.WarmUp(),
		Pacing:       cfg.Pacing(),
		Deadline:     cfg.Timeout(),
		FatalMarkers: cfg.Markers(),
	}
	if cfg.FatalOnErrorResponse() {
		hc.ErrorResponses = harness.ErrorResponsesFatal
	}
	if cfg.Preflight.Enabled {
		hc.Prober = &preflight.Prober{
			BaseURL: cfg.Preflight.ResolveBaseURL(lookupEnv),
			Token:   cfg.Preflight.ResolveToken(lookupEnv),
			Path:    cfg.Preflight.Path,
		}
	}
	return hc
}

func lookupEnv(name string) (string, bool) {
	return os.LookupEnv(name)
}

// writeEnvSummary lists the required variables, masking any that look like credentials.
func writeEnvSummary(out io.Writer, names []string, lookup func(string) (string, bool)) {
	if len(names) == 0 {
		return
	}
	fmt.Fprintln(out, "Environment:")
	for _, name := range names {
		value, _ := lookup(name)
		upper := strings.ToUpper(name)
		if strings.Contains(upper, "TOKEN") || strings.Contains(upper, "SECRET") {
			value = preflight.MaskToken(value)
		}
		fmt.Fprintf(out, "  %s=%s\n", name, value)
	}
	fmt.Fprintln(out)
}
