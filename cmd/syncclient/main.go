package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	appcfg "github.com/park285/cheese-sync/internal/config"
	"github.com/park285/cheese-sync/internal/coordinator"
	"github.com/park285/cheese-sync/internal/gameapi"
	"github.com/park285/cheese-sync/internal/msgcat"
	"github.com/park285/cheese-sync/internal/obslog"
	"github.com/park285/cheese-sync/internal/transport"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "syncclient",
	Short: "Real-time chess session sync client",
	Long: `syncclient keeps a local view of a chess session in step with the game
server: moves, clocks, connection state and exit constraints.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file loaded before the environment is read")
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(moveCmd)
	rootCmd.AddCommand(activeCmd)
	rootCmd.AddCommand(checkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles what every command needs once the environment is loaded.
type app struct {
	cfg    *appcfg.AppConfig
	logger *zap.Logger
	api    *gameapi.Client
	cat    *msgcat.Catalog
}

func loadApp() (*app, error) {
	if err := appcfg.LoadDotEnv(envFile); err != nil {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	cfg, err := appcfg.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger, err := obslog.Init(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	cat, err := msgcat.New(cfg.MessageOverrides, msgcat.WithLang(cfg.Lang))
	if err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	msgcat.SetDefault(cat)
	api := gameapi.NewClient(cfg.APIBaseURL,
		gameapi.WithHeaderProvider(cfg.Headers),
		gameapi.WithTimeout(cfg.HTTPTimeout),
	)
	return &app{cfg: cfg, logger: logger, api: api, cat: cat}, nil
}

func (a *app) close() {
	_ = a.logger.Sync()
}

func (a *app) coordinatorConfig() coordinator.Config {
	return coordinator.Config{
		Difficulty:        a.cfg.Difficulty,
		ComputerDelay:     a.cfg.ComputerDelay,
		ComputeAttempts:   a.cfg.ComputeAttempts,
		ComputeBackoff:    a.cfg.ComputeBackoff,
		PollInterval:      a.cfg.PollInterval,
		FreshnessWindow:   a.cfg.FreshnessWindow,
		TimerSyncInterval: a.cfg.TimerSyncEvery,
	}
}

func (a *app) newChannel() *transport.Channel {
	opts := []transport.Option{
		transport.WithLogger(a.logger),
		transport.WithHeaderProvider(a.cfg.Headers),
		transport.WithBackoff(a.cfg.ReconnectBase, a.cfg.ReconnectMax),
		transport.WithPingInterval(a.cfg.PingInterval),
	}
	if a.cfg.TickWSURL != "" {
		opts = append(opts, transport.WithTickFeed(a.cfg.TickWSURL))
	}
	return transport.NewChannel(a.cfg.WSURL, opts...)
}

const shutdownTimeout = 5 * time.Second
