package cmd

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/alexanderparker/its-compiler-go/internal/config"
	"github.com/alexanderparker/its-compiler-go/internal/console"
	"github.com/alexanderparker/its-compiler-go/internal/engine"
)

// trustPrompter returns the interactive schema trust prompt, or nil when
// prompting is impossible because interactive mode is disabled or stdin
// is not a terminal.
func trustPrompter(policy config.SecurityPolicy, in *os.File, sink *console.Console) engine.TrustPromptFunc {
	if !policy.Allowlist.InteractiveMode || in == nil {
		return nil
	}
	if !isatty.IsTerminal(in.Fd()) && !isatty.IsCygwinTerminal(in.Fd()) {
		return nil
	}
	return promptFunc(in, sink)
}

// promptFunc asks the y/N question on the sink and reads the decision
// from r. Split from trustPrompter so tests can drive it without a
// terminal.
func promptFunc(r io.Reader, sink *console.Console) engine.TrustPromptFunc {
	reader := bufio.NewReader(r)

	return func(url string) bool {
		sink.Println()
		sink.Warningf("Untrusted schema URL: %s", url)
		sink.Askf("Trust this schema for the current session? [y/N]: ")

		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			sink.Println()
			return false
		}

		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	}
}
