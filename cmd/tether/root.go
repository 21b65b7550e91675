package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tetherlabs/tether/internal/config"
	"github.com/tetherlabs/tether/internal/logging"
	"github.com/tetherlabs/tether/internal/server"
	"github.com/tetherlabs/tether/internal/svc"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

//go:embed default.yaml
var defaultConfig []byte

var cfgFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tether",
		Short: "Tether - device control plane",
		Long: `Tether pairs remote device agents to this machine, keeps their
WebSocket connections alive, dispatches commands with timeout
semantics, and gates dangerous commands behind human approval.

Running tether with no subcommand starts the daemon.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ./tether.yaml, falling back to built-in defaults)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newPairCmd())
	root.AddCommand(newDevicesCmd())
	return root
}

// loadConfig resolves the configuration: an explicit --config file, a
// tether.yaml next to the binary, or the embedded defaults. Every path
// gets ${VAR} expansion.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.Load(cfgFile)
	}
	if _, err := os.Stat("tether.yaml"); err == nil {
		return config.Load("tether.yaml")
	}
	return config.LoadFromBytes(defaultConfig)
}

func runDaemon(parent context.Context) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	logging.SetLevel(logging.ParseLevel(c.LogLevel))

	if c.Auth.AccessSecret == "" {
		return errors.New("auth.access_secret is not set (export TETHER_ACCESS_SECRET or set it in the config file)")
	}

	dataDir := filepath.Dir(c.Database.Path)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	lockFile, err := acquireLock(dataDir)
	if err != nil {
		return fmt.Errorf("%w (is another tether instance running?)", err)
	}
	defer releaseLock(lockFile)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Infof("[tether] received %v, shutting down", sig)
		cancel()
	}()

	svcCtx, err := svc.NewServiceContext(c)
	if err != nil {
		return err
	}
	svcCtx.Version = version
	defer svcCtx.Close()

	fmt.Printf("tether %s listening on http://%s\n", version, c.ListenAddr())
	return server.Run(ctx, svcCtx, server.Options{})
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the tether version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("tether", version)
		},
	}
}
