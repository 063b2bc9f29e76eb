// Command loqa-stt is the offline companion of loqa-sttd: it transcribes WAV
// files, checks model directories and manages enrolled speakers.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/stt"
)

var version = "0.1.0-dev"

type globalOptions struct {
	configPath string
	logLevel   int
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:          "loqa-stt",
		Short:        "Offline speech recognition tools",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			stt.SetLogLevel(opts.logLevel)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to configuration file (defaults apply when empty)")
	root.PersistentFlags().IntVar(&opts.logLevel, "backend-log-level", -1, "Recognizer log level: <0 errors only, 0 info, >0 debug")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log to stderr")

	root.AddCommand(
		newTranscribeCmd(opts),
		newValidateModelCmd(opts),
		newEnrollCmd(opts),
		newSpeakersCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

func (o *globalOptions) config() (config.Config, error) {
	if o.configPath == "" {
		return config.Default(), nil
	}
	return config.Load(o.configPath)
}

func (o *globalOptions) logger(cmd *cobra.Command) *slog.Logger {
	var w io.Writer = io.Discard
	if o.verbose {
		w = cmd.ErrOrStderr()
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
