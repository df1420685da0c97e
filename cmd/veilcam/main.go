// Command veilcam runs the continuous single-camera surveillance pipeline:
// capture, chunked recording, motion-anomaly snapshots, retention and the
// web surface, all from one process.
//
// Usage:
//
//	veilcam                          # defaults: camera 0, listen on :5000
//	veilcam -config veilcam.yaml     # run with a YAML config file
//	veilcam -hash-password           # hash a password for the credentials file
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lmittmann/tint"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/veilcam/pipeline"
	"github.com/hazyhaar/veilcam/webui"
)

func main() {
	configPath := flag.String("config", "", "path to veilcam.yaml config file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "text", "log format: text, json")
	hashPassword := flag.Bool("hash-password", false, "read a password from stdin, print its bcrypt hash and exit")
	flag.Parse()

	logger := newLogger(*logLevel, *logFormat)

	if *hashPassword {
		if err := runHashPassword(); err != nil {
			logger.Error("veilcam: hash password", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath); err != nil {
		logger.Error("veilcam: fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func run(ctx context.Context, logger *slog.Logger, configPath string) error {
	cfg := pipeline.DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = pipeline.LoadConfigFile(configPath)
		if err != nil {
			return err
		}
	}

	p, err := pipeline.New(cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("veilcam: starting",
		"camera", cfg.Camera.Index,
		"resolution", fmt.Sprintf("%dx%d", cfg.Camera.Width, cfg.Camera.Height),
		"addr", cfg.HTTP.Addr)
	return p.Run(ctx)
}

func runHashPassword() error {
	fmt.Fprint(os.Stderr, "password: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return fmt.Errorf("empty password")
	}

	hash, err := webui.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
