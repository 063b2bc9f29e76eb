package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-stt/internal/audiofile"
	"github.com/loqalabs/loqa-stt/internal/stt"
)

type transcribeOptions struct {
	model        string
	speakerModel string
	grammar      string
	chunkMS      int
	partials     bool
}

func newTranscribeCmd(global *globalOptions) *cobra.Command {
	opts := &transcribeOptions{}
	cmd := &cobra.Command{
		Use:   "transcribe <file.wav>...",
		Short: "Transcribe WAV files, printing one JSON result per utterance",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.config()
			if err != nil {
				return err
			}
			if opts.model == "" {
				opts.model = cfg.STT.ModelPath
			}
			if opts.speakerModel == "" {
				opts.speakerModel = cfg.STT.SpeakerModelPath
			}
			if !cmd.Flags().Changed("grammar") {
				opts.grammar = cfg.STT.Grammar
			}
			log := global.logger(cmd)

			model, err := stt.LoadModel(opts.model, stt.WithLogger(log))
			if err != nil {
				return err
			}
			defer model.Close()

			var spk *stt.SpeakerModel
			if opts.speakerModel != "" {
				if spk, err = stt.LoadSpeakerModel(opts.speakerModel, stt.WithLogger(log)); err != nil {
					return err
				}
				defer spk.Close()
			}

			for _, path := range args {
				if err := transcribeFile(cmd, model, spk, path, opts); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "Model directory (defaults to stt.model_path)")
	cmd.Flags().StringVar(&opts.speakerModel, "speaker-model", "", "Speaker model directory; adds speaker vectors to results")
	cmd.Flags().StringVarP(&opts.grammar, "grammar", "g", "", "Word list or JSON array of phrases to restrict recognition to")
	cmd.Flags().IntVar(&opts.chunkMS, "chunk-ms", 100, "Audio fed per call in milliseconds")
	cmd.Flags().BoolVar(&opts.partials, "partials", false, "Also print partial hypotheses")
	return cmd
}

func newFileRecognizer(model *stt.Model, spk *stt.SpeakerModel, rate float64, grammar string) (*stt.Recognizer, error) {
	switch {
	case spk != nil:
		return stt.NewSpeakerRecognizer(model, spk, rate)
	case grammar != "":
		return stt.NewGrammarRecognizer(model, rate, grammar)
	default:
		return stt.NewRecognizer(model, rate)
	}
}

func transcribeFile(cmd *cobra.Command, model *stt.Model, spk *stt.SpeakerModel, path string, opts *transcribeOptions) error {
	clip, err := audiofile.ReadWAV(path)
	if err != nil {
		return err
	}
	rec, err := newFileRecognizer(model, spk, float64(clip.SampleRate), opts.grammar)
	if err != nil {
		return err
	}
	defer rec.Close()

	chunk := clip.SampleRate * opts.chunkMS / 1000
	if chunk <= 0 {
		return errors.New("chunk-ms must be positive")
	}
	out := cmd.OutOrStdout()
	for start := 0; start < len(clip.Samples); start += chunk {
		end := min(start+chunk, len(clip.Samples))
		boundary, err := rec.FeedInt16(clip.Samples[start:end])
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if boundary {
			res, err := rec.Result()
			if err != nil {
				return err
			}
			if res.Text != "" {
				fmt.Fprintln(out, res.JSON())
			}
			continue
		}
		if opts.partials {
			p, err := rec.Partial()
			if err != nil {
				return err
			}
			if p.Text != "" {
				fmt.Fprintln(out, p.JSON())
			}
		}
	}

	res, err := rec.FinalResult()
	if err != nil {
		return err
	}
	if res.Text != "" {
		fmt.Fprintln(out, res.JSON())
	}
	return nil
}
