// netpulsed is the network throughput metering daemon. It samples
// interface counters, guards the deltas, persists them into the tiered
// store, and serves charts and live rates to local clients over the
// loopback feed.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/netpulse/netpulse/internal/config"
	"github.com/netpulse/netpulse/internal/errors"
	"github.com/netpulse/netpulse/internal/export"
	"github.com/netpulse/netpulse/internal/logging"
	"github.com/netpulse/netpulse/internal/model"
	"github.com/netpulse/netpulse/internal/pipeline"
	"github.com/netpulse/netpulse/internal/query"
	"github.com/netpulse/netpulse/internal/sampler"
	"github.com/netpulse/netpulse/internal/store"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "netpulse.yaml", "config file path")
	storePath := flag.String("db", "", "database path (overrides config)")
	listen := flag.String("listen", "", "feed listen address (overrides config)")
	token := flag.String("token", "", "feed auth token (or NETPULSE_TOKEN env)")
	sourceKind := flag.String("source", "", `counter source: "system" or "snmp" (overrides config)`)
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	logJSON := flag.Bool("log-json", false, "log in JSON format")
	exportFormat := flag.String("export", "", `one-shot export instead of serving: "csv" or "parquet"`)
	exportOut := flag.String("out", "", "export output path (default stdout for csv)")
	exportRange := flag.String("range", "24h", "export range ending now, e.g. 90m, 24h, 7d")
	exportIface := flag.String("iface", "", "export a single interface (default all)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("netpulsed", Version)
		return
	}

	cfg, usingDefaults, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "netpulsed: %v\n", err)
		os.Exit(1)
	}

	// CLI overrides
	if *storePath != "" {
		cfg.Store.Path = *storePath
	}
	if *listen != "" {
		cfg.Feed.Enabled = true
		cfg.Feed.Listen = *listen
	}
	if *sourceKind != "" {
		cfg.Source.Kind = *sourceKind
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logJSON {
		cfg.Logging.JSON = true
	}

	// Token from flag or env
	authToken := *token
	if authToken == "" {
		authToken = os.Getenv("NETPULSE_TOKEN")
	}
	if authToken != "" {
		cfg.Feed.Token = authToken
	}

	logging.Init(cfg.Logging.SlogLevel(), cfg.Logging.JSON)
	log := logging.Component("main")

	// Export mode runs against the store directly and exits; the daemon
	// must not be holding the database.
	if *exportFormat != "" {
		if err := runExport(cfg, *exportFormat, *exportOut, *exportRange, *exportIface); err != nil {
			fmt.Fprintf(os.Stderr, "netpulsed: export: %v\n", err)
			os.Exit(1)
		}
		return
	}

	log.Info("netpulsed starting", "version", Version)
	if usingDefaults {
		log.Info("no config file found, using defaults", "path", *cfgPath)
	}

	svc, err := pipeline.New(cfg, Version)
	if err != nil {
		log.Error("build pipeline failed", "error", err)
		os.Exit(1)
	}
	if err := svc.Start(); err != nil {
		log.Error("start pipeline failed", "error", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	if err := svc.Stop(); err != nil {
		log.Error("shutdown finished with errors", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file. A missing file at the default
// location is not an error; an explicitly broken one is.
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return config.DefaultConfig(), true, nil
		}
		return nil, false, err
	}
	return cfg, false, nil
}

// runExport dumps a range from the store in the requested format.
func runExport(cfg *config.Config, format, out, span, ifaceID string) error {
	dur, err := parseSpan(span)
	if err != nil {
		return fmt.Errorf("range %q: %w", span, err)
	}

	st, err := store.Open(store.DefaultOptions(cfg.Store.Path))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	reg := sampler.NewRegistry()
	ifaces, err := st.Interfaces(ctx)
	if err != nil {
		return fmt.Errorf("load interfaces: %w", err)
	}
	reg.Seed(ifaces)

	exp := export.New(query.New(st, nil, reg, cfg.Query))

	now := time.Now().UnixMilli()
	opts := export.Options{StartMs: now - dur.Milliseconds(), EndMs: now}
	if ifaceID != "" {
		opts.Filter = model.InterfaceFilter{Mode: model.FilterSingle, IDs: []string{ifaceID}}
	}

	var res *export.Result
	switch format {
	case export.FormatCSV:
		var w io.Writer = os.Stdout
		if out != "" {
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("create output: %w", err)
			}
			defer f.Close()
			w = f
		}
		res, err = exp.ToCSV(ctx, w, opts)
	case export.FormatParquet:
		if out == "" {
			return fmt.Errorf("parquet export requires -out")
		}
		res, err = exp.ToParquet(ctx, out, opts)
	default:
		return fmt.Errorf("unknown format %q (want csv or parquet)", format)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "exported %d rows (%s tier) covering %s\n",
		res.RowsExported, res.Tier, res.TimeRange)
	return nil
}

// parseSpan parses a duration, additionally accepting a "d" suffix for
// days.
func parseSpan(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid day count")
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("span must be positive")
	}
	return d, nil
}
