package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/alexanderparker/its-compiler-go/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		// Failures inside the command report themselves; only flag
		// parsing errors still need a line here.
		if !errors.Is(err, cmd.ErrReported) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
