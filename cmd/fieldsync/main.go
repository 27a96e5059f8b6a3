package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/lumoshq/fieldsync/internal/api"
	"github.com/lumoshq/fieldsync/internal/cache"
	"github.com/lumoshq/fieldsync/internal/config"
	"github.com/lumoshq/fieldsync/internal/engine"
	"github.com/lumoshq/fieldsync/internal/usage"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("fieldsync", flag.ExitOnError)
	configPath := fs.String("config", "fieldsync.json", "Path to config file")
	showVersion := fs.Bool("version", false, "Show version")
	fs.Usage = usageText(fs)

	// The subcommand may appear before or after flags.
	args := os.Args[1:]
	subCmd := ""
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		subCmd = args[0]
		args = args[1:]
	}
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		return 1
	}

	if *showVersion {
		fmt.Printf("fieldsync v%s (built %s)\n", version, buildTime)
		fmt.Println("Offline-resilience daemon for field devices")
		return 0
	}

	switch subCmd {
	case "", "run":
		return runDaemon(*configPath)
	case "status", "cache", "usage":
		return queryDaemon(*configPath, subCmd)
	case "sync":
		return triggerSync(*configPath)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", subCmd)
		fmt.Fprintln(os.Stderr, "Available commands: run, status, cache, usage, sync")
		return 1
	}
}

func usageText(fs *flag.FlagSet) func() {
	return func() {
		fmt.Fprintln(os.Stderr, "Usage: fieldsync [command] [flags]")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Commands:")
		fmt.Fprintln(os.Stderr, "  run     Start the daemon (default)")
		fmt.Fprintln(os.Stderr, "  status  Show connectivity and queue state of a running daemon")
		fmt.Fprintln(os.Stderr, "  cache   Show cache statistics")
		fmt.Fprintln(os.Stderr, "  usage   Show usage accounting report")
		fmt.Fprintln(os.Stderr, "  sync    Ask a running daemon to deliver pending work now")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Flags:")
		fs.PrintDefaults()
	}
}

// runDaemon starts the engine and the status API and blocks until a
// termination signal arrives.
func runDaemon(configPath string) int {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("starting fieldsync", "version", version, "config", configPath)

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}

	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	eng, err := engine.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		return 1
	}

	server := api.NewServer(cfg.Server.Port, eng, logger)
	go func() {
		if err := server.Start(ctx); err != nil {
			logger.Error("status API stopped", "error", err)
		}
	}()

	printBanner(cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("status API shutdown", "error", err)
	}
	cancel()
	if err := eng.Stop(); err != nil {
		logger.Error("engine shutdown", "error", err)
		return 1
	}
	return 0
}

// ────────────────────────────────────────
// One-shot queries against a running daemon
// ────────────────────────────────────────

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#06B6D4"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280")).
			Width(16)

	onlineStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#10B981"))

	offlineStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#F59E0B"))

	warnStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#EF4444"))
)

func queryDaemon(configPath, what string) int {
	base, err := daemonBaseURL(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	switch what {
	case "status":
		var st api.StatusResponse
		if err := fetchJSON(base+"/api/status", &st); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		printStatus(st)
	case "cache":
		var stats cache.Statistics
		if err := fetchJSON(base+"/api/cache", &stats); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(titleStyle.Render("Cache"))
		fmt.Println(labelStyle.Render("Entries") + fmt.Sprintf("%d", stats.EntryCount))
		fmt.Println(labelStyle.Render("Size") + fmt.Sprintf("%d bytes", stats.TotalBytes))
		fmt.Println(labelStyle.Render("Oldest entry") + stats.OldestEntryAge.Round(time.Second).String())
	case "usage":
		var rep usage.Report
		if err := fetchJSON(base+"/api/usage", &rep); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		printUsage(rep)
	}
	return 0
}

func triggerSync(configPath string) int {
	base, err := daemonBaseURL(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	resp, err := http.Post(base+"/api/sync", "application/json", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Error: daemon returned %s\n", resp.Status)
		return 1
	}
	var st api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	printStatus(st)
	return 0
}

func printStatus(st api.StatusResponse) {
	fmt.Println(titleStyle.Render("fieldsync status"))

	conn := offlineStyle.Render("OFFLINE")
	if st.Online {
		conn = onlineStyle.Render("ONLINE")
	}
	fmt.Println(labelStyle.Render("Connectivity") + conn)
	fmt.Println(labelStyle.Render("Pending ops") + fmt.Sprintf("%d", st.PendingCount))

	last := "never"
	if st.LastSyncTime != nil {
		last = st.LastSyncTime.Local().Format(time.RFC822)
	}
	fmt.Println(labelStyle.Render("Last sync") + last)
}

func printUsage(rep usage.Report) {
	fmt.Println(titleStyle.Render("Usage"))
	fmt.Println(labelStyle.Render("Reads today") + fmt.Sprintf("%d", rep.Today.Reads))
	fmt.Println(labelStyle.Render("Cache hits") + fmt.Sprintf("%d", rep.Today.CacheHits))
	fmt.Println(labelStyle.Render("Cache misses") + fmt.Sprintf("%d", rep.Today.CacheMisses))
	fmt.Println(labelStyle.Render("Hit rate") + fmt.Sprintf("%.1f%%", rep.HitRate*100))
	if rep.ExceedsWarnThreshold {
		fmt.Println(warnStyle.Render("Daily read volume exceeds the configured threshold"))
	}
	if len(rep.ByCollection) > 0 {
		fmt.Println(labelStyle.Render("By collection"))
		for name, c := range rep.ByCollection {
			fmt.Printf("  %-20s %d reads, %d hits, %d misses\n",
				name, c.Reads, c.CacheHits, c.CacheMisses)
		}
	}
}

func daemonBaseURL(configPath string) (string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.Default()
		} else {
			return "", fmt.Errorf("load config: %w", err)
		}
	}
	return fmt.Sprintf("http://localhost:%d", cfg.Server.Port), nil
}

func fetchJSON(url string, out any) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("is the daemon running? (%w)", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist so a bare `fieldsync run` works out of the box.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("config file not found, using defaults", "path", path)
			return config.Default(), nil
		}
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printBanner(cfg *config.Config) {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#7C3AED")).
		Render(fmt.Sprintf("fieldsync v%s", version))
	fmt.Println()
	fmt.Println("  " + banner)
	fmt.Printf("  Status API on http://localhost:%d\n", cfg.Server.Port)
	fmt.Printf("  Connectivity mode: %s\n", cfg.Connectivity.Mode)
	fmt.Println()
}
