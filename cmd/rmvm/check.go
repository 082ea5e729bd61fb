package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tinyrange/rmvm/internal/hv"
	"github.com/tinyrange/rmvm/internal/hv/factory"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report backend availability and required capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := factory.Probe()
			if err != nil {
				return fmt.Errorf("probe backend: %w", err)
			}

			return printBackendInfo(cmd, info)
		},
	}
}

func printBackendInfo(cmd *cobra.Command, info hv.BackendInfo) error {
	w := cmd.OutOrStdout()

	width := len("api version")
	for _, c := range info.Capabilities {
		width = max(width, len(c.Name))
	}

	printField(w, width, "backend", info.Name)
	if info.Device != "" {
		printField(w, width, "device", info.Device)
	}
	printField(w, width, "api version", fmt.Sprint(info.APIVersion))

	for _, c := range info.Capabilities {
		status := styled(w, successStyle, "ok")
		if !c.Supported() {
			status = "no"
			if c.Required {
				status = styled(w, failureStyle, "missing")
			}
		}
		value := fmt.Sprintf("%s (%d)", status, c.Value)
		if c.Required {
			value += " required"
		}
		printField(w, width, c.Name, value)
	}

	if missing := info.Missing(); len(missing) != 0 {
		names := make([]string, len(missing))
		for i, c := range missing {
			names[i] = c.Name
		}
		return fmt.Errorf("backend lacks required capabilities: %s", strings.Join(names, ", "))
	}

	return nil
}
