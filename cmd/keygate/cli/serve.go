package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keygatehq/keygate/internal/config"
	"github.com/keygatehq/keygate/internal/fraud"
	"github.com/keygatehq/keygate/internal/license"
	"github.com/keygatehq/keygate/internal/notify"
	"github.com/keygatehq/keygate/internal/server"
	"github.com/keygatehq/keygate/internal/service"
	"github.com/keygatehq/keygate/internal/store"
	"github.com/keygatehq/keygate/internal/threat"
)

const banner = `
 _  _________   ______    _  _____ _____
| |/ / __\ \ \ / / ___|  / \|_   _| ____|
| ' /|  _| \ V / |  _   / _ \ | | |  _|
|_|\_\___|  |_|  \____|/_/ \_\|_| |_____|
`

const jwtSecretSetting = "auth.jwt_secret"

func newServeCmd() *cobra.Command {
	var (
		port    int
		host    string
		daemon  bool
		dev     bool
		dataDir string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Keygate license server",
		Long:  "Start the HTTP server that exposes the license activation API and the admin API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemon {
				return runServeDaemon()
			}
			return runServe(host, port, dev, dataDir)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8443, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVarP(&daemon, "daemon", "d", false, "Run the server in the background")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (verbose logging)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory for the SQLite store (default: ~/.keygate)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

// runServeDaemon re-executes the current binary detached from the terminal
// and records its PID for 'keygate status' and 'keygate stop'.
func runServeDaemon() error {
	args := []string{"serve"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if dataDir != "" {
		args = append(args, "--data-dir", dataDir)
	}

	logFile, err := os.OpenFile(logFilePath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		if mkErr := os.MkdirAll(resolveDataDir(), 0755); mkErr != nil {
			return fmt.Errorf("create data dir: %w", mkErr)
		}
		logFile, err = os.OpenFile(logFilePath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
	}
	defer logFile.Close()

	child := exec.Command(os.Args[0], args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setSysProcAttr(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("start background server: %w", err)
	}
	if err := writePID(child.Process.Pid); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	fmt.Printf("Keygate server started in background (PID %d)\n", child.Process.Pid)
	fmt.Printf("  Logs: %s\n", logFilePath())
	fmt.Println("  Stop with: keygate stop")
	return nil
}

func runServe(host string, port int, dev bool, flagDataDir string) error {
	fmt.Print(banner)
	fmt.Println()

	if flagDataDir != "" {
		dataDir = flagDataDir
	}

	// 1. Load configuration
	cfg := loadConfig()

	// 2. Set up logger
	logger := newLogger(cfg.Logging, dev)

	// 3. Open the store
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info("store opened", "path", resolveDataDir())

	// 4. Start the notification dispatcher
	sinks := []notify.Sink{notify.LogSink{Logger: logger}}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.WebhookURL))
		logger.Info("webhook notifications enabled", "url", cfg.Notify.WebhookURL)
	}
	dispatcher := notify.NewDispatcher(logger, sinks...)
	dispatcher.Start()
	defer dispatcher.Shutdown()

	// 5. Wire up the domain services
	ledger := threat.NewLedger(st, dispatcher, logger, cfg.Threat.Whitelist)
	detector := fraud.NewDetector(st, dispatcher, logger)
	licenses := license.NewService(st, dispatcher, logger)

	jwtSecret, err := resolveJWTSecret(st, cfg.Auth.JWTSecret)
	if err != nil {
		return fmt.Errorf("resolve jwt secret: %w", err)
	}
	authSvc := service.NewAuthService(st, jwtSecret)

	orch := &service.Orchestrator{
		Licenses: licenses,
		Fraud:    detector,
		Access:   st,
		Logger:   logger,
	}

	// 6. Check for first-run (no admin exists)
	hasAdmin, err := st.HasAnyAdmin(context.Background())
	if err != nil {
		logger.Warn("failed to check for admin", "error", err)
	}
	if !hasAdmin {
		logger.Warn("no admin account found - run: keygate admin create")
	}

	// 7. Build and start HTTP server
	srvCfg := server.Config{
		Host:            host,
		Port:            port,
		ShutdownTimeout: parseDuration(cfg.Server.ShutdownTimeout, 30*time.Second),
		CORSOrigins:     cfg.Server.CORS.Origins,
		RateLimit:       cfg.Threat.RateLimit,
		RatePeriod:      parseDuration(cfg.Threat.RatePeriod, time.Minute),
		JWTTTL:          parseDuration(cfg.Auth.JWTExpiry, time.Hour),
		ThreatEnabled:   cfg.Threat.Enabled,
		Version:         versionString(),
	}

	srv := server.New(srvCfg, st, authSvc, orch, ledger, logger)

	if err := writePID(os.Getpid()); err != nil {
		logger.Warn("failed to write pid file", "error", err)
	}
	defer removePID()

	fmt.Printf("→ Keygate %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", host, port)
	fmt.Printf("→ OpenAPI:  http://%s:%d/openapi.json\n", host, port)
	fmt.Printf("→ Health:   http://%s:%d/healthz\n", host, port)
	fmt.Println()

	return srv.ListenAndServe()
}

// loadConfig reads the YAML config file if one was found, falling back to
// defaults.
func loadConfig() *config.YAMLConfig {
	path := cfgFile
	if path == "" {
		path = viper.ConfigFileUsed()
	}
	if path == "" {
		return config.DefaultYAMLConfig()
	}
	cfg, err := config.LoadYAMLConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v (using defaults)\n", err)
		return config.DefaultYAMLConfig()
	}
	return cfg
}

func newLogger(cfg config.LoggingConfig, dev bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if dev {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// resolveJWTSecret prefers the configured secret, then a previously
// persisted one, and finally generates and persists a fresh secret so admin
// sessions survive restarts.
func resolveJWTSecret(st *store.Store, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	ctx := context.Background()
	if secret, err := st.GetSetting(ctx, jwtSecretSetting); err == nil && secret != "" {
		return secret, nil
	}

	secret, err := service.NewSessionSecret()
	if err != nil {
		return "", err
	}
	if err := st.SetSetting(ctx, jwtSecretSetting, secret); err != nil {
		return "", err
	}
	return secret, nil
}

// parseDuration parses a duration string, returning fallback for empty or
// malformed values.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
