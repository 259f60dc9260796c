// Package main provides the command-line front end for the updater.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"appimageupdate/internal/config"
	"appimageupdate/internal/coordinator"
	"appimageupdate/internal/errs"
	"appimageupdate/internal/events"
	"appimageupdate/internal/history"
)

var Version = "1.0.0"

func main() {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "info":
		cmdInfo(args)
	case "check":
		cmdCheck(args)
	case "update":
		cmdUpdate(args)
	case "config":
		cmdConfig(args)
	case "activity":
		cmdActivity()
	case "version":
		fmt.Printf("appimageupdate-cli v%s\n", Version)
	case "help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`appimageupdate-cli

Usage: appimageupdate-cli <command> [arguments]

Commands:
  info <path>      Show the update information embedded in an AppImage
  check <path>     Check whether a newer version is available
  update <path>    Download and verify an update into the output directory
  config           Show or update configuration
  activity         Show recent update history
  version          Show version
  help             Show this help

Configuration:
  appimageupdate-cli config                        Show current config
  appimageupdate-cli config output <dir>            Set output directory
  appimageupdate-cli config parallelism <n>         Set max parallel range requests
  appimageupdate-cli config retry <n>                Set retry attempts`)
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Error loading config: %s\n", err)
		os.Exit(1)
	}
	return cfg
}

func newCoordinator(cfg *config.Config) (*coordinator.Coordinator, *history.Store) {
	hist, err := history.Open()
	if err != nil {
		log.Warn().Err(err).Msg("continuing without session history")
		hist = nil
	}
	return coordinator.New(cfg, hist, log.Logger), hist
}

func requireArg(args []string, usage string) string {
	if len(args) < 1 {
		fmt.Println(usage)
		os.Exit(1)
	}
	return args[0]
}

func cmdInfo(args []string) {
	path := requireArg(args, "Usage: appimageupdate-cli info <path>")
	cfg := loadConfig()
	co, _ := newCoordinator(cfg)

	info, err := co.GetEmbeddedInfo(path)
	if err != nil {
		printTypedError(err)
		os.Exit(1)
	}

	fmt.Println("Embedded Update Information")
	fmt.Println("===========================")
	fmt.Printf("File:           %s\n", info.FilePath)
	fmt.Printf("SHA-1:          %s\n", info.SHA1)
	fmt.Printf("Update String:  %s\n", info.UpdateInfo)
}

func cmdCheck(args []string) {
	path := requireArg(args, "Usage: appimageupdate-cli check <path>")
	cfg := loadConfig()
	co, hist := newCoordinator(cfg)
	if hist != nil {
		defer hist.Close()
	}
	attachLogHandlers(co)

	result, err := co.CheckForUpdate(ctxWithSignals(), path)
	if err != nil {
		printTypedError(err)
		os.Exit(1)
	}

	if result.UpToDate {
		color.Green("Up to date (%s)\n", result.LocalSHA1)
		return
	}
	color.Yellow("Update available\n")
	fmt.Printf("  Local:  %s\n", result.LocalSHA1)
	fmt.Printf("  Remote: %s\n", result.RemoteSHA1)
	if result.ReleaseNotes != "" {
		fmt.Printf("\n%s\n", result.ReleaseNotes)
	}
}

func cmdUpdate(args []string) {
	path := requireArg(args, "Usage: appimageupdate-cli update <path>")
	cfg := loadConfig()
	co, hist := newCoordinator(cfg)
	if hist != nil {
		defer hist.Close()
	}
	attachLogHandlers(co)

	co.On(events.Progress, func(ev events.Event) {
		rate := ""
		if ev.RateBytesSec > 0 {
			rate = fmt.Sprintf(" @ %s/s", humanize.Bytes(uint64(ev.RateBytesSec)))
		}
		fmt.Printf("\r%s: %3d%% (%s / %s%s)", ev.Action, ev.Percent, humanize.Bytes(uint64(ev.BytesDone)), humanize.Bytes(uint64(ev.BytesTotal)), rate)
	})

	result, err := co.Update(ctxWithSignals(), path)
	fmt.Println()
	if err != nil {
		printTypedError(err)
		os.Exit(1)
	}

	color.Green("Update finished\n")
	fmt.Printf("  Output:    %s\n", result.OutputPath)
	fmt.Printf("  SHA-1:     %s\n", result.SHA1)
	fmt.Printf("  Seeded:    %s\n", humanize.Bytes(uint64(result.BytesSeeded)))
	fmt.Printf("  Downloaded: %s\n", humanize.Bytes(uint64(result.BytesDownloaded)))
	if result.UsedFallback {
		fmt.Println("  (origin did not support Range requests; used a full download)")
	}
}

func cmdConfig(args []string) {
	cfg := loadConfig()

	if len(args) == 0 {
		fmt.Println("Current Configuration")
		fmt.Println("=====================")
		fmt.Printf("Output Directory:      %s\n", cfg.OutputDirectory)
		fmt.Printf("Max Parallel Requests: %d\n", cfg.MaxParallelRequests)
		fmt.Printf("Retry Attempts:        %d\n", cfg.RetryAttempts)
		fmt.Printf("Request Timeout:       %d seconds\n", cfg.RequestTimeoutSecs)
		fmt.Printf("Bandwidth Limit:       %d KB/s\n", cfg.BandwidthLimitKBps)
		fmt.Printf("Debug Logging:         %t\n", cfg.DebugLogging)
		return
	}

	if len(args) < 2 {
		fmt.Println("Usage: appimageupdate-cli config <key> <value>")
		return
	}

	key, value := args[0], args[1]
	err := cfg.Update(func(c *config.Config) {
		switch key {
		case "output":
			c.OutputDirectory = value
		case "parallelism":
			fmt.Sscanf(value, "%d", &c.MaxParallelRequests)
		case "retry":
			fmt.Sscanf(value, "%d", &c.RetryAttempts)
		case "debug":
			c.DebugLogging = value == "true" || value == "1" || value == "yes"
		default:
			fmt.Printf("Unknown config key: %s\n", key)
			os.Exit(1)
		}
	})
	if err != nil {
		fmt.Printf("Error saving config: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config updated: %s = %s\n", key, value)
}

func cmdActivity() {
	hist, err := history.Open()
	if err != nil {
		fmt.Printf("Error opening history: %s\n", err)
		return
	}
	defer hist.Close()

	records, err := hist.Recent(20)
	if err != nil {
		fmt.Printf("Error reading history: %s\n", err)
		return
	}
	if len(records) == 0 {
		fmt.Println("No recent activity.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tTARGET\tOUTCOME\tBYTES")
	fmt.Fprintln(w, "-------\t------\t-------\t-----")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.StartedAt.Format("2006-01-02 15:04:05"), r.TargetFilename, r.Outcome, r.BytesDownloaded)
	}
	w.Flush()
}

func attachLogHandlers(co *coordinator.Coordinator) {
	co.On(events.Log, func(ev events.Event) {
		log.Debug().Msg(ev.Message)
	})
}

func printTypedError(err *errs.Error) {
	color.Red("%s\n", err.Error())
}

func ctxWithSignals() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}
