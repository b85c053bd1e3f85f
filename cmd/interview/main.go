// interview runs one live interview: microphone capture, the transcription
// channel and the avatar, with the UI event server on WEB_PORT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-interview/internal/config"
	"github.com/teslashibe/go-interview/internal/log"
	"github.com/teslashibe/go-interview/pkg/archive"
	"github.com/teslashibe/go-interview/pkg/capture"
	"github.com/teslashibe/go-interview/pkg/credentials"
	"github.com/teslashibe/go-interview/pkg/interview"
	"github.com/teslashibe/go-interview/pkg/web"
)

func main() {
	envFile := flag.String("env", "", "Env file to load (default: .env when present)")
	static := flag.String("static", "", "Directory with the browser UI to serve at /")
	flag.Parse()

	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log.Init(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *static, log.L()); err != nil {
		log.Error("interview failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, static string, logger *slog.Logger) error {
	resolver, err := credentials.New(ctx, cfg.Credentials, cfg.Providers, logger)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}

	ui := web.NewServer(cfg.Web.Port, web.WithLogger(logger), web.WithStaticDir(static))

	icfg := interview.ConfigFrom(cfg, resolver)
	icfg.Logger = logger
	opts := []interview.Option{interview.WithObserver(ui)}
	if cfg.Archive.Enabled() {
		store := archive.NewStore(archive.NewS3Client(cfg.Archive), cfg.Archive.Bucket, cfg.Archive.Prefix, logger)
		opts = append(opts, interview.WithArchive(store))
	}

	ctrl, err := interview.New(icfg, opts...)
	if err != nil {
		return err
	}
	ui.Attach(ctrl)
	ui.StartAsync()
	defer func() { _ = ui.Shutdown() }()

	if err := ctrl.Start(ctx); err != nil {
		var de *capture.DeviceError
		if errors.As(err, &de) && de.PermissionDenied() {
			return fmt.Errorf("microphone access was denied, allow it and restart: %w", err)
		}
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case <-ctrl.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), icfg.StopTimeout)
	defer cancel()
	if err := ctrl.Stop(stopCtx); err != nil {
		return err
	}
	st := ctrl.Status()
	logger.Info("interview finished",
		"reason", st.EndReason,
		"lines", st.Lines,
		"archive_key", st.ArchiveKey,
	)
	return nil
}
