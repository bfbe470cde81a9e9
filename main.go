package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/launchdarkly/stdio-contract-tests/config"
	"github.com/launchdarkly/stdio-contract-tests/framework"
	"github.com/launchdarkly/stdio-contract-tests/framework/harness"
	"github.com/launchdarkly/stdio-contract-tests/framework/preflight"

	"github.com/fatih/color"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	var params commandParams
	if !params.Read(args, os.Stderr) {
		return 1
	}
	if params.noColor {
		color.NoColor = true
	}

	cfg, err := config.Load(params.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %s\n", err)
		return 1
	}
	if err := params.applyTo(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid parameters: %s\n", err)
		return 1
	}

	loggers := ldlog.NewDefaultLoggers()
	loggers.SetBaseLogger(log.New(os.Stderr, "", log.LstdFlags))
	if params.debug || params.debugAll {
		loggers.SetMinLevel(ldlog.Debug)
	} else {
		loggers.SetMinLevel(ldlog.Info)
	}

	if err := preflight.CheckEnv(cfg.RequireEnv, lookupEnv); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := preflight.CheckFiles(cfg.Dir, cfg.RequireFiles); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	writeEnvSummary(os.Stdout, cfg.RequireEnv, lookupEnv)

	script, err := loadScript(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid script: %s\n", err)
		return 1
	}
	selected, skipped := script.Filter(params.filters.AsFilter)
	if len(selected.Requests) == 0 {
		fmt.Fprintln(os.Stderr, "The filters excluded every request in the script")
		return 1
	}
	framework.PrintFilterDescription(os.Stdout, params.filters, skipped)

	hc := harnessConfig(cfg, selected, lookupEnv)
	hc.Skipped = skipped
	hc.Loggers = loggers
	hc.RunLogger = params.runLogger(os.Stdout)
	if hc.Prober != nil {
		fmt.Printf("Preflight: %s (token %s)\n\n", hc.Prober.URL(), preflight.MaskToken(hc.Prober.Token))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Running script %q (%d requests)\n", selected.Name, len(selected.Requests))
	verdict := harness.NewController(hc).Run(ctx)

	framework.PrintResults(verdict)
	if !verdict.OK() {
		return 1
	}
	return 0
}
