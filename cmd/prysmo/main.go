package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/codefionn/prysmo/internal/config"
	"github.com/codefionn/prysmo/internal/endpoint"
	"github.com/codefionn/prysmo/internal/gateway"
	"github.com/codefionn/prysmo/internal/logger"
	"github.com/codefionn/prysmo/internal/pprof"
	"github.com/codefionn/prysmo/internal/session"
)

type options struct {
	configPath string
	port       int
	logLevel   string
	pprofAddr  string
	demo       bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	opts, parseErr := parseArgs(os.Args[1:])
	if parseErr != nil {
		if errors.Is(parseErr, flag.ErrHelp) {
			return nil
		}
		return parseErr
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	if initErr := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); initErr != nil {
		return fmt.Errorf("failed to initialize logger: %w", initErr)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	logger.Debug("Configuration loaded from %s: port=%d log_level=%s persist=%v",
		opts.configPath, cfg.Port, cfg.LogLevel, cfg.Session.Persist)

	watcher, watchErr := config.Watch(opts.configPath, func(c *config.Config) {
		if err := c.ApplyEnv(); err != nil {
			logger.Warn("Ignoring environment on reload: %v", err)
		}
		if opts.logLevel != "" {
			c.LogLevel = opts.logLevel
		}
		logger.Global().SetLevel(logger.ParseLevel(c.LogLevel))
		logger.Info("Log level set to %s", c.LogLevel)
	})
	if watchErr != nil {
		logger.Warn("Config hot reload disabled: %v", watchErr)
	} else {
		defer watcher.Close()
	}

	if cfg.PprofAddr != "" {
		profiler, err := pprof.Start(pprof.Config{HTTPAddr: cfg.PprofAddr}, logger.Global().WithPrefix("pprof"))
		if err != nil {
			return err
		}
		defer profiler.Stop()
	}

	gw := gateway.New(cfg, logger.Global())
	if opts.demo {
		if err := registerDemo(gw); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gw.Listen(); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	<-ctx.Done()
	logger.Info("Shutting down")
	return gw.Close()
}

func parseArgs(args []string) (*options, error) {
	fs := flag.NewFlagSet("prysmo", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := &options{}
	fs.StringVar(&opts.configPath, "config", config.GetConfigPath(), "Path to the JSON or TOML configuration file")
	fs.IntVar(&opts.port, "port", 0, "Port to listen on (overrides the configuration)")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error or none")
	fs.StringVar(&opts.pprofAddr, "pprof", "", "Serve runtime profiles on this address (e.g. localhost:6060)")
	fs.BoolVar(&opts.demo, "demo", false, "Register the hello and echo endpoints")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintln(fs.Output(), "Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

// loadConfig applies file, environment and flags, in that order.
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if opts.port != 0 {
		cfg.Port = opts.port
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.pprofAddr != "" {
		cfg.PprofAddr = opts.pprofAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func registerDemo(gw *gateway.Gateway) error {
	if err := gw.Endpoint("hello", func(_ endpoint.Caller, _ *session.Values, _ json.RawMessage, send endpoint.SendFunc) error {
		return send("HELLO!!")
	}, false); err != nil {
		return err
	}
	return gw.Endpoint("echo", func(_ endpoint.Caller, _ *session.Values, data json.RawMessage, send endpoint.SendFunc) error {
		return send(data)
	}, false)
}
