// cardinal-check works with sketch files and journals offline, without a
// running server.
//
// Usage Examples
// ==============
//
// Validate a journal and list its keys:
//
//	cardinal-check journal journal.aof -v
//
// Inspect exported sketches (raw or compressed):
//
//	cardinal-check inspect users.hll sessions.hll.zst
//
// Build a sketch from newline-separated keys, then union two sketches:
//
//	cut -f1 access.log | cardinal-check build -o today.hll --lgk 14
//	cardinal-check union today.hll yesterday.hll -o both.hll --codec zstd
//
// Output options can also come from the environment, for example
// CARDINAL_CODEC=lz4 or CARDINAL_COMPACT=true.
//
// Exit Codes
// ==========
//
// 0: Everything checked out.
// 1: A file was invalid, corrupted or unreadable.

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// envPrefix is the environment variable prefix for cardinal-check settings.
const envPrefix = "CARDINAL"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "cardinal-check",
		Short: "Inspect, verify and build HyperLogLog sketch files",
		Long: `cardinal-check works with sketch files and server journals offline.

Commands:
  inspect   Decode sketch files and summarize them
  journal   Verify a server journal and list its keys
  hash      Print the sketch hash of values
  union     Merge sketch files into one
  build     Build a sketch from keys read on stdin`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if v.GetBool("no-color") {
				color.NoColor = true
			}
		},
	}

	flags := root.PersistentFlags()
	flags.Bool("no-color", false, "disable coloured output")
	flags.String("codec", "none", "compression for written sketches: none, zstd, lz4 or snappy")
	flags.Bool("compact", false, "write sketches in the compact encoding")
	for _, name := range []string{"no-color", "codec", "compact"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(
		newInspectCmd(),
		newJournalCmd(),
		newHashCmd(),
		newUnionCmd(v),
		newBuildCmd(v),
	)
	return root
}
