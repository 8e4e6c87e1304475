package cmd

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/alexanderparker/its-compiler-go/internal/allowlist"
	"github.com/alexanderparker/its-compiler-go/internal/config"
	"github.com/alexanderparker/its-compiler-go/internal/console"
)

// anyAllowlistCommand reports whether an allowlist management flag was
// given. --merge-allowlist alone does not count; it only modifies
// --import-allowlist.
func (f *rootFlags) anyAllowlistCommand() bool {
	return f.allowlistStatus ||
		f.addTrustedSchema != "" ||
		f.removeSchema != "" ||
		f.exportAllowlist != "" ||
		f.importAllowlist != "" ||
		f.cleanupAllowlist
}

// runAllowlistCommands executes the requested management operations in a
// fixed order: status, add, remove, export, import, cleanup. The first
// failure reports and stops; remaining operations are skipped.
func runAllowlistCommands(sink *console.Console, policy config.SecurityPolicy, flags *rootFlags) error {
	store, err := allowlist.NewManager(policy)
	if err != nil {
		return reportAllowlistFailure(sink, err)
	}

	if flags.allowlistStatus {
		printAllowlistStatus(sink, store.Stats())
	}

	if flags.addTrustedSchema != "" {
		if err := store.AddTrusted(flags.addTrustedSchema, allowlist.TrustPermanent, "Added via CLI"); err != nil {
			return reportAllowlistFailure(sink, err)
		}
		sink.Successf("Added trusted schema: %s", flags.addTrustedSchema)
	}

	if flags.removeSchema != "" {
		removed, err := store.Remove(flags.removeSchema)
		if err != nil {
			return reportAllowlistFailure(sink, err)
		}
		if removed {
			sink.Successf("Removed schema: %s", flags.removeSchema)
		} else {
			sink.Warningf("Schema not found in allowlist: %s", flags.removeSchema)
		}
	}

	if flags.exportAllowlist != "" {
		if err := store.Export(flags.exportAllowlist); err != nil {
			return reportAllowlistFailure(sink, err)
		}
		sink.Successf("Exported allowlist to: %s", flags.exportAllowlist)
	}

	if flags.importAllowlist != "" {
		count, err := store.Import(flags.importAllowlist, flags.mergeAllowlist)
		if err != nil {
			return reportAllowlistFailure(sink, err)
		}
		verb := "Imported"
		if flags.mergeAllowlist {
			verb = "Merged"
		}
		sink.Successf("%s %d entries from: %s", verb, count, flags.importAllowlist)
	}

	if flags.cleanupAllowlist {
		removed, err := store.Cleanup(flags.olderThan)
		if err != nil {
			return reportAllowlistFailure(sink, err)
		}
		sink.Successf("Cleaned up %d old entries (older than %d days)", removed, flags.olderThan)
	}

	return nil
}

func reportAllowlistFailure(sink *console.Console, err error) error {
	sink.Errorf("Error managing allowlist: %s", messageOf(err))
	return ErrReported
}

func printAllowlistStatus(sink *console.Console, stats allowlist.Stats) {
	caser := cases.Title(language.English)

	rows := make([][]string, 0, 5)
	for _, row := range stats.Rows() {
		label := caser.String(strings.ReplaceAll(row[0], "_", " "))
		rows = append(rows, []string{label, row[1]})
	}
	sink.StatusTable("Schema Allowlist Status", []string{"Metric", "Value"}, rows)

	if len(stats.MostUsed) == 0 {
		return
	}
	sink.Println()
	sink.Stylef(sink.Styles.Info, "Most Used Schemas:")
	for _, stat := range stats.MostUsed {
		sink.Printf("  • %s (used %d times)", stat.URL, stat.UseCount)
	}
}
