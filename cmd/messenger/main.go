package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"Messenger/internal/config"
	"Messenger/internal/messenger"
)

var version = "dev"

func main() {
	var (
		configPath  string
		apiURL      string
		logLevel    string
		logDir      string
		dbPath      string
		noReconnect bool
		optimistic  bool
		debug       bool
	)

	flag.StringVar(&configPath, "config", "", "Path to a TOML config file")
	flag.StringVar(&apiURL, "api", "", "Gateway base URL (e.g. http://localhost:8080/api)")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	flag.StringVar(&logDir, "log-dir", "", "Directory for log, trace and metric files")
	flag.StringVar(&dbPath, "db", "", "Path to the SQLite session database")
	flag.BoolVar(&noReconnect, "no-reconnect", false, "Do not reconnect the live channel automatically")
	flag.BoolVar(&optimistic, "optimistic", true, "Show sent messages before the server confirms them")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Only explicitly set flags override the file and environment
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "api":
			cfg.API.BaseURL = apiURL
		case "log-level":
			cfg.Logging.Level = logLevel
		case "log-dir":
			cfg.Logging.Dir = logDir
		case "db":
			cfg.Storage.DBPath = dbPath
		case "no-reconnect":
			cfg.Channel.Reconnect = !noReconnect
		case "optimistic":
			cfg.Send.Optimistic = optimistic
		case "debug":
			if debug {
				cfg.Logging.Level = "debug"
			}
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	app, err := messenger.New(cfg, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize messenger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
