package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/d-osc/elit-sub004/internal/config"
)

func initCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Create an elit.json in the given directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return runInit(dir, name)
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Project name (default: directory name)")

	return cmd
}

func runInit(dir, name string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if config.Exists(abs) {
		return fmt.Errorf("%s already exists in %s", config.FileName, abs)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return err
	}

	cfg := config.New()
	if name != "" {
		cfg.Name = name
	} else {
		cfg.Name = filepath.Base(abs)
	}

	if err := cfg.SaveTo(filepath.Join(abs, config.FileName)); err != nil {
		return err
	}

	success("Created %s", filepath.Join(abs, config.FileName))
	info("Run 'elit serve' inside %s to start", abs)
	return nil
}
