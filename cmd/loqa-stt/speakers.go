package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-stt/internal/audiofile"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/speakerdb"
	"github.com/loqalabs/loqa-stt/internal/stt/bundle"
	"github.com/loqalabs/loqa-stt/internal/stt/speaker"
)

type speakerDBOptions struct {
	dir string
}

func (o *speakerDBOptions) open(cmd *cobra.Command, global *globalOptions) (*speakerdb.DB, config.Config, error) {
	cfg, err := global.config()
	if err != nil {
		return nil, cfg, err
	}
	if o.dir == "" {
		o.dir = cfg.Speakers.Path
	}
	db, err := speakerdb.Open(speakerdb.Options{
		Dir:       o.dir,
		Threshold: cfg.Speakers.MatchThreshold,
		Logger:    global.logger(cmd),
	})
	return db, cfg, err
}

func newEnrollCmd(global *globalOptions) *cobra.Command {
	var (
		dbOpts       speakerDBOptions
		speakerModel string
	)
	cmd := &cobra.Command{
		Use:   "enroll <name> <file.wav>...",
		Short: "Enroll a speaker from one or more recordings",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cfg, err := dbOpts.open(cmd, global)
			if err != nil {
				return err
			}
			defer db.Close()
			if speakerModel == "" {
				speakerModel = cfg.STT.SpeakerModelPath
			}
			if speakerModel == "" {
				return errors.New("a speaker model is required (--speaker-model or stt.speaker_model_path)")
			}
			b, err := bundle.LoadSpeaker(speakerModel)
			if err != nil {
				return err
			}

			name := args[0]
			var spk speakerdb.Speaker
			for _, path := range args[1:] {
				vec, err := embedFile(b, path)
				if err != nil {
					return err
				}
				if spk, err = db.Enroll(cmd.Context(), name, vec); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enrolled %s (%d samples)\n", spk.Name, spk.Samples)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbOpts.dir, "db", "", "Speaker database directory (defaults to speakers.path)")
	cmd.Flags().StringVar(&speakerModel, "speaker-model", "", "Speaker model directory (defaults to stt.speaker_model_path)")
	return cmd
}

// embedFile computes the speaker vector of a whole recording.
func embedFile(b *bundle.SpeakerBundle, path string) ([]float64, error) {
	clip, err := audiofile.ReadWAV(path)
	if err != nil {
		return nil, err
	}
	ex := speaker.NewExtractor(b, clip.SampleRate)
	samples := make([]float32, len(clip.Samples))
	for i, s := range clip.Samples {
		samples[i] = float32(s) / 32768
	}
	ex.Accept(samples)
	ex.Flush()
	vec := ex.Vector()
	if vec == nil {
		return nil, fmt.Errorf("%s: no speech found", path)
	}
	return vec, nil
}

func newSpeakersCmd(global *globalOptions) *cobra.Command {
	var dbOpts speakerDBOptions
	cmd := &cobra.Command{
		Use:   "speakers",
		Short: "Manage enrolled speakers",
	}
	cmd.PersistentFlags().StringVar(&dbOpts.dir, "db", "", "Speaker database directory (defaults to speakers.path)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List enrolled speakers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				db, _, err := dbOpts.open(cmd, global)
				if err != nil {
					return err
				}
				defer db.Close()
				list, err := db.List(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tSAMPLES\tUPDATED")
				for _, spk := range list {
					fmt.Fprintf(tw, "%s\t%d\t%s\n", spk.Name, spk.Samples, spk.UpdatedAt.Format("2006-01-02 15:04:05"))
				}
				return tw.Flush()
			},
		},
		&cobra.Command{
			Use:   "remove <name>",
			Short: "Remove an enrolled speaker",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				db, _, err := dbOpts.open(cmd, global)
				if err != nil {
					return err
				}
				defer db.Close()
				if err := db.Remove(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}
