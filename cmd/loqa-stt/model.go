package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-stt/internal/stt"
)

type modelSummary struct {
	Path            string `json:"path"`
	SampleRate      int    `json:"sample_rate,omitempty"`
	SupportsGrammar bool   `json:"supports_grammar"`
	SpeakerDim      int    `json:"speaker_dim,omitempty"`
}

func newValidateModelCmd(global *globalOptions) *cobra.Command {
	var speaker bool
	cmd := &cobra.Command{
		Use:   "validate-model <dir>",
		Short: "Load a model directory and print its properties",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := global.logger(cmd)
			summary := modelSummary{Path: args[0]}
			if speaker {
				m, err := stt.LoadSpeakerModel(args[0], stt.WithLogger(log))
				if err != nil {
					return err
				}
				defer m.Close()
				summary.SpeakerDim = m.Dimension()
			} else {
				m, err := stt.LoadModel(args[0], stt.WithLogger(log))
				if err != nil {
					return err
				}
				defer m.Close()
				summary.SampleRate = m.SampleRate()
				summary.SupportsGrammar = m.SupportsGrammar()
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
	cmd.Flags().BoolVar(&speaker, "speaker", false, "Treat the directory as a speaker model")
	return cmd
}
