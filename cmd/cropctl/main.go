// Package main provides cropctl, a command line front end to the capture
// pipeline: resolve crop rectangles, run captures on image files, enqueue
// capture jobs and inspect recorded runs.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/adverant/nexus/capture-worker/internal/logging"
)

var (
	outputJSON bool
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "cropctl",
	Short: "Crop-region capture tooling",
	Long: `cropctl drives the capture pipeline from the command line.

Use this tool to:
- Resolve a scale-relative crop region to a pixel rectangle
- Run a full capture (rotate, crop, save, recognize) on an image file
- Submit capture jobs to the worker queue
- Look up recorded runs`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		format := "console"
		if outputJSON {
			format = "json"
		}
		logging.Configure(os.Stderr, format, logLevel)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&color.NoColor, "no-color", color.NoColor, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(newResolveCmd())
	rootCmd.AddCommand(newCaptureCmd())
	rootCmd.AddCommand(newEnqueueCmd())
	rootCmd.AddCommand(newRunCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
