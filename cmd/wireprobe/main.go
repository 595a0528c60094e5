package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"wireprobe/internal/capture"
	"wireprobe/internal/config"
	"wireprobe/internal/echo"
	"wireprobe/internal/metrics"
	"wireprobe/internal/probe"
)

func main() {
	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "version":
			fmt.Printf("wireprobe %s (commit=%s built=%s)\n", version, commit, buildTime)
			return
		case "migrate", "validate", "detect":
			migrateMain(args)
			return
		case "run":
			args = args[1:]
		}
	}
	os.Exit(runMain(args))
}

func runMain(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "run.yaml", "Path to run file")
	watch := fs.Bool("watch", false, "Rerun the scenario whenever the run file changes")
	jsonOut := fs.Bool("json", false, "Print reports as JSON")
	_ = fs.Parse(args)

	reloader, err := config.NewReloadable(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	defer reloader.Close()
	cfg := reloader.Get()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if cfg.Metrics.Listen != "" {
		web := metrics.NewWebServer(cfg.Metrics.Listen, metrics.WithPprof(cfg.Metrics.Pprof))
		go func() {
			if err := web.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server: %v", err)
			}
		}()
		log.Printf("metrics on http://%s/metrics", cfg.Metrics.Listen)
	}
	stopEcho, err := startEcho(cfg)
	if err != nil {
		log.Fatalf("echo listeners: %v", err)
	}
	defer stopEcho()

	code := executeOnce(ctx, cfg, *jsonOut)
	if !*watch {
		return code
	}

	runCh := make(chan *config.Config, 1)
	reloader.Watch(func(old, next *config.Config) {
		select {
		case runCh <- next:
		default:
		}
	})
	log.Printf("watching %s for changes", *configPath)
	for {
		select {
		case <-ctx.Done():
			return code
		case next := <-runCh:
			log.Printf("run file changed: rerunning scenario %q", next.Scenario.Name)
			code = executeOnce(ctx, next, *jsonOut)
		}
	}
}

// executeOnce runs the scenario one time and prints its report.
func executeOnce(ctx context.Context, cfg *config.Config, jsonOut bool) int {
	capw, err := capture.NewWriter(capture.Options{
		File:    cfg.Capture.File,
		Gzip:    cfg.Capture.Gzip,
		PCAP:    cfg.Capture.PCAP,
		SnapLen: cfg.Capture.SnapLen,
	})
	if err != nil {
		log.Printf("capture setup: %v", err)
		return 1
	}
	defer capw.Close()

	rep, err := probe.New(cfg, probe.WithCapture(capw)).Run(ctx)
	if err != nil {
		log.Printf("run: %v", err)
		return 1
	}
	printReport(rep, jsonOut)
	if rep.Failed {
		return 1
	}
	return 0
}

func printReport(rep *probe.Report, jsonOut bool) {
	if jsonOut {
		out, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			log.Printf("marshal report: %v", err)
			return
		}
		fmt.Println(string(out))
		return
	}
	fmt.Printf("scenario %q against %s: %d steps in %dms\n",
		rep.Scenario, rep.Target, len(rep.Steps), rep.DurationMs)
	for _, s := range rep.Steps {
		status := "ok  "
		note := s.Detail
		if !s.Pass {
			status = "FAIL"
			note = s.Error
		}
		fmt.Printf("  %s  %2d %-20s %s\n", status, s.Index, s.Op, note)
	}
	if rep.Failed {
		fmt.Println("result: FAILED")
	} else {
		fmt.Println("result: passed")
	}
}

// startEcho brings up the configured loopback echo endpoints.
func startEcho(cfg *config.Config) (func(), error) {
	var closers []func() error
	stop := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	if cfg.Echo.TCPListen != "" {
		srv, err := echo.StartTCP(cfg.Echo.TCPListen)
		if err != nil {
			stop()
			return nil, err
		}
		closers = append(closers, srv.Close)
		log.Printf("tcp echo on %s", srv.Addr())
	}
	if cfg.Echo.UDPListen != "" {
		srv, err := echo.StartUDP(cfg.Echo.UDPListen)
		if err != nil {
			stop()
			return nil, err
		}
		closers = append(closers, srv.Close)
		log.Printf("udp echo on %s", srv.Addr())
	}
	return stop, nil
}

func handleSignals(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
}
