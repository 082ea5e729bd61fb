// Command rmvm runs a tiny real-mode guest under KVM and checks the register
// state it halts with.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rmvm: %v\n", err)
		os.Exit(1)
	}
}
