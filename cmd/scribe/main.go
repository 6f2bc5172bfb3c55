package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"goflare.io/scribe"
	"goflare.io/scribe/internal/config"
)

var version = "dev"

type serverFlags struct {
	c   string
	cpu int
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "scribe",
		Short: "Resilience core of the blog platform.",
	}

	sf := new(serverFlags)
	startCmd := &cobra.Command{
		Use:   "start [-c config_file]",
		Short: "Start the scribe HTTP server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return startServer(cmd.Context(), sf)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	fs := startCmd.Flags()
	fs.StringVarP(&sf.c, "config", "c", "", "config file")
	fs.IntVar(&sf.cpu, "cpu", 0, "set runtime.GOMAXPROCS")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version.",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}

	rootCmd.AddCommand(startCmd, versionCmd)
	return rootCmd
}

func startServer(ctx context.Context, sf *serverFlags) error {
	if sf.cpu > 0 {
		runtime.GOMAXPROCS(sf.cpu)
	}

	cfg, fileUsed, err := config.Load(sf.c)
	if err != nil {
		return fmt.Errorf("fail to load config, %w", err)
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	if fileUsed != "" {
		logger.Info("config loaded", zap.String("file", fileUsed))
	}

	s, err := scribe.New(scribe.WithConfig(cfg), scribe.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to start scribe, %w", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Warn("failed to close scribe", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Run(ctx); err != nil {
		return fmt.Errorf("scribe exited, %w", err)
	}
	logger.Info("scribe stopped")
	return nil
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
