// Package main is the CLI entry point for the classpilot agent.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bzinkan/ClassPilot-sub001/internal/config"
	"github.com/bzinkan/ClassPilot-sub001/internal/daemon"
	"github.com/bzinkan/ClassPilot-sub001/internal/infra"
	"github.com/bzinkan/ClassPilot-sub001/internal/signaling"
	"github.com/bzinkan/ClassPilot-sub001/internal/transport"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "classpilot-agent",
	Short: "Classroom monitoring agent",
	Long: `classpilot-agent is the device-side daemon of the classroom
monitoring system. It reports browsing activity to the supervising
server during school hours, enforces screen locks and site block lists
pushed by teachers, and relays screen-share signaling.`,
	Version: Version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent in the foreground",
	Long: `Runs the agent until interrupted. Registration happens
automatically on first run; pass --email to bind the device to an
account.`,
	RunE: runAgent,
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this device with the server",
	Long:  `Registers the device and stores the issued credentials, without starting the agent.`,
	RunE:  runRegister,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stored identity and enforcement state",
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	accountEmail string
	serverURL    string
	dataDir      string
	jsonOutput   bool
)

func init() {
	runCmd.Flags().StringVar(&accountEmail, "email", "", "Account email for first registration")
	registerCmd.Flags().StringVar(&accountEmail, "email", "", "Account email to register under")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Server base URL (overrides stored value)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Agent data directory")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// openStore resolves settings, ensures the encryption key, and opens the
// store. Resolution runs twice: the first pass locates the data dir, the
// second folds in values stored by previous runs.
func openStore() (*config.Store, config.Settings, error) {
	overrides := map[string]string{
		"server-url": serverURL,
		"data-dir":   dataDir,
	}

	initial := config.Resolve(nil, overrides)

	keys := config.NewFileKeyProvider(initial.DataDir)
	key, err := keys.EnsureKey()
	if err != nil {
		return nil, config.Settings{}, fmt.Errorf("failed to prepare store key: %w", err)
	}

	store, err := config.Open(initial.DataDir, key)
	if err != nil {
		return nil, config.Settings{}, fmt.Errorf("failed to open store: %w", err)
	}

	settings := config.Resolve(store, overrides)
	if serverURL != "" {
		// Remember an explicit server override for future runs.
		if err := store.Set(config.KeyServerURL, settings.ServerURL); err != nil {
			store.Close()
			return nil, config.Settings{}, err
		}
	}
	return store, settings, nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	store, settings, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	logger := createLogger(settings.DataDir)
	defer func() { _ = logger.Sync() }()

	logger.Info("agent starting",
		zap.String("version", Version),
		zap.String("server", settings.ServerURL),
		zap.String("data_dir", settings.DataDir))

	deps := daemon.Deps{
		Store:    store,
		Rules:    infra.NewHostsRuleEngine("/etc/hosts", logger),
		Tabs:     infra.NewDevToolsTabs(settings.DevToolsURL, logger),
		Idle:     infra.NewProcessIdleSource(),
		Camera:   infra.NewProcessCameraSource(),
		Notifier: infra.NewDesktopNotifier(logger),
		Capture:  signaling.NewPeerFactory(signaling.DefaultTrackProvider, logger),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	agent := daemon.New(settings, accountEmail, deps, logger)
	return agent.Run(ctx)
}

func runRegister(cmd *cobra.Command, args []string) error {
	if accountEmail == "" {
		return fmt.Errorf("--email is required")
	}

	store, settings, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	logger := createLogger(settings.DataDir)
	defer func() { _ = logger.Sync() }()

	client := transport.NewClient(settings.ServerURL, logger)
	registrar := transport.NewRegistrar(client, store, settings.RegisterRetry, logger)

	ctx, cancel := context.WithTimeout(context.Background(), settings.RegisterRetry)
	defer cancel()

	id, err := registrar.EnsureRegistered(ctx, accountEmail)
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	fmt.Printf("Registered device %s under %s\n", id.DeviceID, id.AccountEmail)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	store, settings, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	id := store.LoadIdentity()
	lock, _ := store.LoadLock()
	blocked, _ := store.LoadGlobalBlockList()
	limit, _ := store.LoadTabLimit()

	fmt.Println("\n=== classpilot-agent Status ===")
	fmt.Printf("Server:     %s\n", settings.ServerURL)
	fmt.Printf("Data dir:   %s\n", settings.DataDir)
	if id.DeviceID == "" {
		fmt.Println("Identity:   not registered")
	} else {
		fmt.Printf("Device:     %s\n", id.DeviceID)
		fmt.Printf("Account:    %s\n", id.AccountEmail)
		fmt.Printf("Registered: %t\n", id.Registered)
	}
	if lock.Active() {
		fmt.Printf("Lock:       %s %v\n", lock.Mode, lock.AllowedDomains())
	} else {
		fmt.Println("Lock:       none")
	}
	fmt.Printf("Blocked:    %d domains\n", len(blocked))
	if limit > 0 {
		fmt.Printf("Tab limit:  %d\n", limit)
	}
	fmt.Println("===============================")
	return nil
}

func createLogger(dataDir string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{filepath.Join(dataDir, "agent.log")}
	cfg.ErrorOutputPaths = []string{filepath.Join(dataDir, "agent.error.log")}
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		out, _ := json.Marshal(map[string]string{
			"version":    Version,
			"commit":     Commit,
			"build_time": BuildTime,
		})
		fmt.Println(string(out))
		return
	}
	fmt.Printf("classpilot-agent %s (commit %s, built %s)\n", Version, Commit, BuildTime)
}
