package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/tinyrange/rmvm/internal/harness"
	"github.com/tinyrange/rmvm/internal/hv/factory"
)

const successMessage = "Everything works!"

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the fixture once and check the result register",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHarness(cmd, opts)
		},
	}
}

func runHarness(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return err
	}

	// Reject a bad config before touching the backend.
	if _, err := cfg.Validate(); err != nil {
		return err
	}

	h, err := factory.Open()
	if err != nil {
		return err
	}
	defer h.Close()

	m, err := harness.Setup(h, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			slog.Error("close machine", "error", err)
		}
	}()

	res, err := m.Run(context.Background())
	if err != nil {
		return err
	}

	slog.Info("guest halted", "exit", res.Exit, "rax", res.Rax, "rip", res.Rip, "zf", res.ZeroFlag())

	printSuccess(cmd.OutOrStdout(), successMessage)
	return nil
}
