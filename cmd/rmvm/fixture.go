package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tinyrange/rmvm/internal/payload"
)

func newFixtureCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "fixture",
		Short: "Dump the guest fixture",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fx, ok := payload.Lookup(name)
			if !ok {
				return fmt.Errorf("unknown fixture %q", name)
			}

			w := cmd.OutOrStdout()
			const width = len("operands")

			printField(w, width, "name", fx.Name)
			printField(w, width, "load", fmt.Sprintf("0x%x", fx.LoadAddr))
			printField(w, width, "size", fmt.Sprintf("0x%x (%d encoded)", payload.CodeSize, fx.EncodedLen))
			printField(w, width, "halt", fmt.Sprintf("0x%x", fx.HaltOffset))
			printField(w, width, "operands", fmt.Sprintf("%s, %s", fx.OperandRegisters[0], fx.OperandRegisters[1]))
			printField(w, width, "result", fx.ResultRegister.String())

			fmt.Fprint(w, hex.Dump(fx.Encoded()))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", payload.AddCompareHalt.Name, "fixture to dump")

	return cmd
}
