// Command omnivoice-pbx bridges telephone calls to a speech-to-text,
// language model and text-to-speech pipeline.
//
// Start the bridge:
//
//	omnivoice-pbx serve --config pbx.yaml
//
// Place calls:
//
//	omnivoice-pbx dial --persona dental --to +60123456789
//	omnivoice-pbx dial --persona dental --file numbers.csv
//
// Every setting can be overridden with OMNIVOICE_PBX_* environment
// variables; see internal/config.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	pbx "github.com/agentplexus/omnivoice-pbx"
)

// Populated by ldflags.
var (
	commit = "none"
	date   = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "omnivoice-pbx",
		Short:        "Bridge phone calls to a voice AI pipeline",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", pbx.Version, commit, date),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("OMNIVOICE_PBX_CONFIG"),
		"Path to YAML configuration file")

	root.AddCommand(
		buildServeCmd(&configPath),
		buildDialCmd(&configPath),
		buildMigrateCmd(&configPath),
		buildPingCmd(&configPath),
		buildVersionCmd(),
	)
	return root
}
