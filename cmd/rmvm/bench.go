package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/tinyrange/rmvm/internal/harness"
	"github.com/tinyrange/rmvm/internal/hv"
	"github.com/tinyrange/rmvm/internal/hv/factory"
	"github.com/tinyrange/rmvm/internal/timeslice"
)

var (
	tsBenchIteration = timeslice.RegisterKind("bench_iteration", 0)
)

func newBenchCmd(opts *rootOptions) *cobra.Command {
	var (
		n      int
		tsFile string
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Set up, run and tear down the guest repeatedly",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			if _, err := cfg.Validate(); err != nil {
				return err
			}
			if n <= 0 {
				return fmt.Errorf("-n must be positive, got %d", n)
			}

			if tsFile != "" {
				f, err := os.Create(tsFile)
				if err != nil {
					return fmt.Errorf("failed to create tsfile: %w", err)
				}
				defer f.Close()

				closer, err := timeslice.StartRecording(f)
				if err != nil {
					return fmt.Errorf("failed to start recording timeslices: %w", err)
				}
				defer closer.Close()
			}

			h, err := factory.Open()
			if err != nil {
				return err
			}
			defer h.Close()

			pb := progressbar.Default(int64(n))
			defer pb.Close()

			start := time.Now()
			for i := range n {
				iterStart := time.Now()

				if err := runOnce(h, cfg); err != nil {
					return fmt.Errorf("iteration %d: %w", i, err)
				}

				timeslice.Record(tsBenchIteration, time.Since(iterStart))
				pb.Add(1)
			}
			pb.Finish()

			elapsed := time.Since(start)
			fmt.Fprintf(cmd.OutOrStdout(), "%d runs in %s (%s/run)\n", n, elapsed, elapsed/time.Duration(n))
			return nil
		},
	}

	cmd.Flags().IntVarP(&n, "count", "n", 100, "the number of runs to execute")
	cmd.Flags().StringVar(&tsFile, "tsfile", "", "record a timeslice file for later analysis")

	return cmd
}

func runOnce(h hv.Hypervisor, cfg harness.Config) error {
	m, err := harness.Setup(h, cfg)
	if err != nil {
		return err
	}

	_, runErr := m.Run(context.Background())
	if err := m.Close(); err != nil && runErr == nil {
		return err
	}
	return runErr
}
