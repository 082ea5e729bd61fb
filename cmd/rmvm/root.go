package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/tinyrange/rmvm/internal/harness"
)

type rootOptions struct {
	logLevel   string
	configPath string

	memorySize uint64
	slot       uint32
	first      uint64
	second     uint64
	expect     uint64
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "rmvm",
		Short: "Run a real-mode guest under KVM and check its result",
		Long: `rmvm maps a small guest memory region, loads a fixed real-mode fixture at
guest physical address zero, runs it on a single vCPU until it halts and
checks the result register.

Running rmvm with no command is the same as "rmvm run".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(opts.logLevel)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHarness(cmd, opts)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.configPath, "config", "", "YAML config file")
	flags.Uint64Var(&opts.memorySize, "memory-size", harness.DefaultMemorySize, "guest memory size in bytes")
	flags.Uint32Var(&opts.slot, "slot", 0, "memory slot for guest memory")
	flags.Uint64Var(&opts.first, "first", harness.DefaultFirst, "first operand, loaded into rax")
	flags.Uint64Var(&opts.second, "second", harness.DefaultSecond, "second operand, loaded into rbx")
	flags.Uint64Var(&opts.expect, "expect", 0, "expected value of the result register")

	root.AddCommand(
		newRunCmd(opts),
		newCheckCmd(),
		newBenchCmd(opts),
		newTimesliceCmd(),
		newFixtureCmd(),
		newConfigCmd(opts),
	)

	return root
}

func setupLogging(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", level, err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}

// loadConfig reads --config, if set, and applies any flags given on the
// command line on top of it.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (harness.Config, error) {
	cfg := harness.DefaultConfig()
	if o.configPath != "" {
		var err error
		cfg, err = harness.LoadConfig(o.configPath)
		if err != nil {
			return harness.Config{}, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("memory-size") {
		cfg.MemorySize = o.memorySize
	}
	if flags.Changed("slot") {
		cfg.Slot = o.slot
	}
	if flags.Changed("first") {
		cfg.Operands.First = o.first
	}
	if flags.Changed("second") {
		cfg.Operands.Second = o.second
	}
	if flags.Changed("expect") {
		cfg.ExpectedResult = o.expect
	}

	return cfg, nil
}
