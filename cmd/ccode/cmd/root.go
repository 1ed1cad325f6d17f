// Package cmd implements the ccode admin CLI. Every command loads the
// registry from the configured store, acts on it and saves it again if it
// changed.
package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"command-codes/internal/config"
	"command-codes/internal/infra/db"
	"command-codes/internal/infra/logging"
	"command-codes/internal/usecase"
)

const (
	appName  = "ccode"
	pageSize = 6

	// skipRegistry marks commands that work on the store directly.
	skipRegistry = "skip-registry"
)

// app is the state shared by one CLI invocation.
type app struct {
	cfgPath string
	dev     bool

	cfg    *config.Config
	log    *zerolog.Logger
	handle *db.Handle
	reg    *usecase.CodeRegistry
}

// NewRootCmd builds a fresh command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           appName,
		Short:         "ccode manages redemption codes bound to command payloads",
		Long:          `A command-line tool to generate, inspect, redeem and remove redemption codes stored by the command-codes service.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close(cmd)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "config.yaml", "config file")
	root.PersistentFlags().BoolVar(&a.dev, "dev", false, "developer mode (console logs)")

	root.AddCommand(
		a.generateCmd(),
		a.listCmd("view", "List active codes", false),
		a.listCmd("previous", "List spent codes", true),
		a.showCmd(),
		a.redeemCmd(),
		a.removeCmd(),
		a.restoreCmd(),
	)
	return root
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(a.cfgPath, a.dev)
	if err == nil {
		return cfg, nil
	}
	// the default path is optional; an explicit one is not
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		cfg = config.Default()
		cfg.Runtime.Dev = a.dev
		return cfg, nil
	}
	return nil, err
}

func (a *app) open(cmd *cobra.Command) error {
	// help has no store to open
	if cmd.RunE == nil {
		return nil
	}
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}
	a.cfg = cfg
	if cfg.Log.Level == "info" && !a.dev {
		// keep stdout for command output; only problems go to stderr
		cfg.Log.Level = "warn"
	}
	a.log = logging.NewWithWriter(cfg.Log, a.dev, cmd.ErrOrStderr())

	ctx := cmd.Context()
	h, err := db.Open(ctx, cfg, a.log)
	if err != nil {
		return err
	}
	a.handle = h
	if cmd.Annotations[skipRegistry] != "" {
		return nil
	}

	gen, err := usecase.TokenGeneratorFromConfig(cfg.Registry)
	if err != nil {
		return err
	}
	a.reg = usecase.NewCodeRegistry(h.Store, gen, usecase.RegistryOptionsFromConfig(cfg.Registry), a.log)
	return a.reg.Load(ctx)
}

func (a *app) close(cmd *cobra.Command) error {
	var err error
	if a.reg != nil && a.reg.Stats().Dirty {
		err = a.reg.Save(cmd.Context())
	}
	if a.handle != nil {
		err = errors.Join(err, a.handle.Close())
	}
	return err
}
