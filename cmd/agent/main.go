package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/crabzie/setup-factory/config/logger"
	config "github.com/crabzie/setup-factory/config/utils"
	"github.com/crabzie/setup-factory/internal/agent"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath string
	apiURL     string
	secret     string
)

var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "Setup-Factory agent",
	Long:  `Runs agent-backend jobs on this machine with its local credentials, pulling work from the scheduler API.`,
	RunE:  runDaemon,
}

var sanitizeCmd = &cobra.Command{
	Use:   "sanitize",
	Short: "Mask stdin with the configured redaction patterns",
	RunE:  runSanitize,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "agent.yaml", "agent config file")
	rootCmd.Flags().StringVar(&apiURL, "api", "", "scheduler API address (overrides api_url)")
	rootCmd.Flags().StringVar(&secret, "secret", "", "registration secret (overrides registration_secret)")

	rootCmd.AddCommand(sanitizeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (agent.Config, bool, error) {
	cfg, found, err := agent.LoadConfig(configPath)
	if err != nil {
		return cfg, found, err
	}
	if apiURL != "" {
		cfg.APIURL = apiURL
	}
	if secret == "" {
		secret = os.Getenv("AGENT_REGISTRATION_SECRET")
	}
	if secret != "" {
		cfg.RegistrationSecret = secret
	}
	return cfg, found, nil
}

func buildLogger(cfg agent.Config) (*zap.Logger, func(), error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	logConfig := &config.Logger{
		Level:             cfg.LogLevel,
		Encoding:          "console",
		DisableStacktrace: true,
		EncoderConfig:     encoderConfig,
	}

	out, errOut := zapcore.AddSync(os.Stdout), zapcore.AddSync(os.Stderr)
	closeFn := func() {}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = zapcore.NewMultiWriteSyncer(out, f)
		errOut = zapcore.NewMultiWriteSyncer(errOut, f)
		closeFn = func() { _ = f.Close() }
	}
	log := logger.New(logConfig, out, errOut)
	zap.ReplaceGlobals(log)
	return log, closeFn, nil
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, found, err := loadConfig()
	if err != nil {
		return err
	}
	log, closeLog, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	defer func() { _ = log.Sync() }()

	if !found {
		log.Warn("Config file not found, using defaults", zap.String("path", configPath))
	}

	d, err := agent.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("Starting Setup-Factory Agent", zap.String("api", cfg.APIURL), zap.String("name", cfg.Name))
	return d.Run(ctx)
}

func runSanitize(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := agent.NewSanitizer(cfg.SanitizePatterns)
	if err != nil {
		return err
	}
	in, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return err
	}
	_, err = io.WriteString(cmd.OutOrStdout(), s.Sanitize(string(in)))
	return err
}
