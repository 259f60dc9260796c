// Package main provides a headless daemon that periodically checks an
// AppImage for updates and downloads them into the output directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"appimageupdate/internal/config"
	"appimageupdate/internal/coordinator"
	"appimageupdate/internal/errs"
	"appimageupdate/internal/events"
	"appimageupdate/internal/history"
	"appimageupdate/internal/outputwatch"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	Commit    = "unknown"
)

func main() {
	var (
		showVersion  = flag.Bool("version", false, "Show version information")
		debugMode    = flag.Bool("debug", false, "Enable debug logging")
		configPath   = flag.String("config", "", "Path to configuration file")
		appImagePath = flag.String("appimage", "", "Path to the AppImage to keep updated (defaults to $APPIMAGE)")
		intervalSecs = flag.Int("interval", 3600, "Seconds between update checks")
		once         = flag.Bool("once", false, "Check once, apply an update if available, then exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("appimageupdate-daemon v%s\n", Version)
		fmt.Printf("Build time: %s\n", BuildTime)
		fmt.Printf("Commit: %s\n", Commit)
		os.Exit(0)
	}

	logLevel := zerolog.InfoLevel
	if *debugMode {
		logLevel = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if dataDir, err := config.GetDataDir(); err == nil {
		logFile, err := os.OpenFile(filepath.Join(dataDir, "daemon.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			multi := zerolog.MultiLevelWriter(os.Stderr, logFile)
			log.Logger = zerolog.New(multi).With().Timestamp().Logger()
		}
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFrom(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	target := *appImagePath
	if target == "" {
		target = os.Getenv("APPIMAGE")
	}
	if target == "" {
		log.Fatal().Msg("no AppImage path given; pass --appimage or set $APPIMAGE")
	}

	hist, err := history.Open()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open session history")
	}
	defer hist.Close()

	co := coordinator.New(cfg, hist, log.Logger)
	co.On(events.Log, func(ev events.Event) {
		log.Debug().Msg(ev.Message)
	})
	co.On(events.Error, func(ev events.Event) {
		log.Error().Str("kind", string(ev.Err.Kind)).Str("action", string(ev.Action)).Msg(ev.Err.Error())
	})
	co.On(events.Progress, func(ev events.Event) {
		log.Debug().Int("percent", ev.Percent).Int64("bytes_done", ev.BytesDone).Int64("bytes_total", ev.BytesTotal).Msg("progress")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	outDir := cfg.OutputDirectory
	if outDir == "" {
		outDir = filepath.Dir(target)
	}
	if ow, err := outputwatch.New(outDir, filepath.Base(target), log.Logger); err == nil {
		ow.Start()
		defer ow.Stop()
		go func() {
			for ev := range ow.Events() {
				log.Info().Str("path", ev.Path).Msg("new bundle landed in output directory")
			}
		}()
	} else {
		log.Warn().Err(err).Msg("could not watch output directory")
	}

	log.Info().Str("appimage", target).Int("interval_secs", *intervalSecs).Msg("appimageupdate daemon starting")

	runOnce(ctx, co, target)
	if *once {
		return
	}

	ticker := time.NewTicker(time.Duration(*intervalSecs) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			return
		case <-ticker.C:
			runOnce(ctx, co, target)
		}
	}
}

func runOnce(ctx context.Context, co *coordinator.Coordinator, appImagePath string) {
	check, cerr := co.CheckForUpdate(ctx, appImagePath)
	if cerr != nil {
		logTypedError(cerr)
		return
	}
	if check.UpToDate {
		log.Info().Str("sha1", check.LocalSHA1).Msg("already up to date")
		return
	}

	log.Info().Str("local", check.LocalSHA1).Str("remote", check.RemoteSHA1).Msg("update available, downloading")
	result, uerr := co.Update(ctx, appImagePath)
	if uerr != nil {
		logTypedError(uerr)
		return
	}
	log.Info().
		Str("output", result.OutputPath).
		Str("sha1", result.SHA1).
		Int64("seeded_bytes", result.BytesSeeded).
		Int64("downloaded_bytes", result.BytesDownloaded).
		Bool("used_fallback", result.UsedFallback).
		Msg("update finished")
}

func logTypedError(err *errs.Error) {
	log.Error().Str("kind", string(err.Kind)).Str("action", string(err.Action)).Msg(err.Error())
}
