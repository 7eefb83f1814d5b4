package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/novaadapt/novaadapt/internal/config"
	"github.com/novaadapt/novaadapt/internal/mcp"
	"github.com/novaadapt/novaadapt/internal/server"
	"github.com/novaadapt/novaadapt/internal/telemetry"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "mcp":
		serveMCP(os.Args[2:])
	case "backup":
		backup(os.Args[2:])
	case "restore":
		restore(os.Args[2:])
	case "health":
		health(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  novaadapt serve [--config <file.yaml>]")
	fmt.Fprintln(os.Stderr, "  novaadapt mcp [--config <file.yaml>]")
	fmt.Fprintln(os.Stderr, "  novaadapt backup [--config <file.yaml>] [--dir <dir>]")
	fmt.Fprintln(os.Stderr, "  novaadapt restore [--config <file.yaml>] [--from <dir>] [--store <name>]")
	fmt.Fprintln(os.Stderr, "  novaadapt health [--config <file.yaml>] [--url <base>] [--deep]")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

// configFlag consumes a --config/value pair from args and returns the loaded
// configuration plus the remaining arguments.
func parseCommon(args []string) (config.Config, []string) {
	var configPath string
	var rest []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fatal(fmt.Errorf("--config requires a value"))
			}
			configPath = args[i]
		default:
			rest = append(rest, args[i])
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err)
	}
	return cfg, rest
}

func serve(args []string) {
	cfg, rest := parseCommon(args)
	if len(rest) > 0 {
		fatal(fmt.Errorf("unknown arg: %s", rest[0]))
	}

	log, err := telemetry.NewLogger(cfg.Telemetry.LogLevel)
	if err != nil {
		fatal(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry.OTELEnabled, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		fatal(err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutCtx)
	}()

	app, err := wire(cfg, log)
	if err != nil {
		fatal(err)
	}
	defer app.close()

	srv := server.New(server.Deps{
		Config:     cfg,
		Log:        log,
		Metrics:    telemetry.NewMetrics(),
		Router:     app.router,
		Agent:      app.agent,
		Plans:      app.plans,
		Runner:     app.runner,
		Actions:    app.actions,
		Jobs:       app.jobs,
		Idem:       app.idem,
		Audit:      app.audit,
		Transports: app.transports,
	})

	go app.cleanupLoop(ctx, cfg.CleanupInterval(), log)
	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			log.Warn("shutdown", zap.Error(err))
		}
		app.jobs.Shutdown()
	}()

	if err := srv.ListenAndServe(); err != nil {
		fatal(err)
	}
}

func serveMCP(args []string) {
	cfg, rest := parseCommon(args)
	if len(rest) > 0 {
		fatal(fmt.Errorf("unknown arg: %s", rest[0]))
	}

	// Logs go to stderr; stdout carries only JSON-RPC frames.
	log, err := telemetry.NewLogger(cfg.Telemetry.LogLevel)
	if err != nil {
		fatal(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := wire(cfg, log)
	if err != nil {
		fatal(err)
	}
	defer app.close()
	defer app.jobs.Shutdown()

	s := mcp.New(mcp.Deps{
		Agent:     app.agent,
		Router:    app.router,
		Plans:     app.plans,
		Runner:    app.runner,
		Jobs:      app.jobs,
		Actions:   app.actions,
		Audit:     app.audit,
		Transport: cfg.Transport.Type,
		Log:       log,
	})
	if err := s.Serve(ctx, os.Stdin, os.Stdout); err != nil && err != context.Canceled {
		fatal(err)
	}
}

func backup(args []string) {
	cfg, rest := parseCommon(args)
	dest := ""
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--dir":
			i++
			if i >= len(rest) {
				fatal(fmt.Errorf("--dir requires a value"))
			}
			dest = rest[i]
		default:
			fatal(fmt.Errorf("unknown arg: %s", rest[i]))
		}
	}
	if dest == "" {
		dest = cfg.BackupDir()
	}

	names := storeNames(cfg)
	for _, name := range names {
		file, err := snapshotStore(cfg, name, dest)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%s=%s\n", name, file)
	}
}

func restore(args []string) {
	cfg, rest := parseCommon(args)
	from := ""
	only := ""
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--from":
			i++
			if i >= len(rest) {
				fatal(fmt.Errorf("--from requires a value"))
			}
			from = rest[i]
		case "--store":
			i++
			if i >= len(rest) {
				fatal(fmt.Errorf("--store requires a value"))
			}
			only = rest[i]
		default:
			fatal(fmt.Errorf("unknown arg: %s", rest[i]))
		}
	}
	if from == "" {
		from = cfg.BackupDir()
	}

	paths := cfg.StorePaths()
	if only != "" {
		path, ok := paths[only]
		if !ok {
			fatal(fmt.Errorf("unknown store %q", only))
		}
		paths = map[string]string{only: path}
	}

	for _, name := range sortedKeys(paths) {
		if err := restoreStore(name, paths[name], from, cfg.Storage.DataDir); err != nil {
			fatal(err)
		}
		fmt.Printf("%s=restored\n", name)
	}
}

func health(args []string) {
	cfg, rest := parseCommon(args)
	base := "http://" + cfg.ListenAddr()
	deep := false
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--url":
			i++
			if i >= len(rest) {
				fatal(fmt.Errorf("--url requires a value"))
			}
			base = rest[i]
		case "--deep":
			deep = true
		default:
			fatal(fmt.Errorf("unknown arg: %s", rest[i]))
		}
	}

	url := base + "/health"
	if deep {
		url += "?deep=1&execution=1"
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		fatal(err)
	}

	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
	} else {
		fmt.Println(string(body))
	}
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}

func storeNames(cfg config.Config) []string {
	return sortedKeys(cfg.StorePaths())
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
