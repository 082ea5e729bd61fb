package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tinyrange/rmvm/internal/timeslice"
)

func newTimesliceCmd() *cobra.Command {
	var sums bool

	cmd := &cobra.Command{
		Use:   "timeslice <file>",
		Short: "Print the records of a timeslice file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open timeslice file: %w", err)
			}
			defer f.Close()

			w := cmd.OutOrStdout()

			if sums {
				summary, err := timeslice.Summarize(f)
				if err != nil {
					return fmt.Errorf("failed to read timeslice file: %w", err)
				}
				for _, stat := range summary.Stats() {
					fmt.Fprintln(w, stat.String())
				}
				return nil
			}

			if err := timeslice.ReadAllRecords(f, func(id string, flags timeslice.SliceFlags, duration time.Duration) error {
				_, err := fmt.Fprintf(w, "%s %s %s\n", id, flags, duration)
				return err
			}); err != nil {
				return fmt.Errorf("failed to read timeslice file: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&sums, "sums", false, "print per-kind sums of timeslice durations")

	return cmd
}
