package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/d-osc/elit-sub004/internal/config"
	"github.com/d-osc/elit-sub004/internal/dev"
)

func serveCmd() *cobra.Command {
	var (
		port    int
		host    string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the development server",
		Long: `Start the development server.

The server hosts the sync endpoint, serves static files, and watches
the project for changes, pushing reload and stylesheet updates to
every connected browser.

Examples:
  elit serve
  elit serve --port=8080
  elit serve --host=0.0.0.0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port, host, verbose)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to run on (default from elit.json)")
	cmd.Flags().StringVarP(&host, "host", "H", "", "Host to bind to (default from elit.json)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	return cmd
}

func runServe(port int, host string, verbose bool) error {
	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	root, err := config.FindProjectRoot(wd)
	if err != nil {
		return err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return err
	}

	if port > 0 {
		cfg.Port = port
	}
	if host != "" {
		cfg.Host = host
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	printBanner()
	fmt.Println("  serve")
	fmt.Println()
	info("Project:  %s", cfg.Name)
	info("Address:  %s", cfg.URL())
	info("Sync:     %s", cfg.SyncURL())
	fmt.Println()

	server := dev.NewServer(dev.ServerOptions{
		Config: cfg,
		Logger: logger,
		OnReload: func(clients int) {
			success("Reloaded %d browsers", clients)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\n\n  Shutting down...")
		cancel()
	}()

	return server.Run(ctx)
}
