package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/book-expert/tts-dispatch/internal/channel"
	"github.com/book-expert/tts-dispatch/internal/core"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

const (
	flagVoice       = "voice"
	flagVoiceDesc   = "Voice as character or character:preset (defaults to the configured character)"
	flagPreset      = "preset"
	flagPresetDesc  = "Preset, overrides one given in --voice"
	flagEmotion     = "emotion"
	flagEmotionDesc = "Emotion mapped to a preset when none is given"
	flagOut         = "out"
	flagOutDesc     = "File the audio is written to"
	flagDump        = "dump-config"
	flagDumpDesc    = "Print the effective configuration as TOML and exit"
)

// ErrSynthesisFailed is returned by say when the dispatcher reports a failure.
var ErrSynthesisFailed = errors.New("synthesis failed")

func sayCmd(load func() (*runtime, error)) *cobra.Command {
	var (
		request    core.SynthesisRequest
		outPath    string
		dumpConfig bool
	)

	cmd := &cobra.Command{
		Use:   "say [text]",
		Short: "Synthesize one utterance into a local file",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := load()
			if err != nil {
				return err
			}
			defer rt.close()

			if dumpConfig {
				data, marshalErr := toml.Marshal(rt.cfg)
				if marshalErr != nil {
					return fmt.Errorf("failed to encode configuration: %w", marshalErr)
				}

				_, err = cmd.OutOrStdout().Write(data)

				return err
			}

			if outPath == "" {
				return fmt.Errorf("--%s is required", flagOut)
			}

			request.Text = strings.Join(args, " ")

			sink := channel.NewFileSink(outPath, rt.cfg.General.InlinePrefix, cmd.ErrOrStderr())
			pipeline := newStack(rt.cfg, sink, nil, rt.log)

			result := pipeline.dispatcher.SynthesizeAndSend(cmd.Context(), request)

			// The sink copied the audio; the temp file is not needed after exit.
			pipeline.cleanup.Stop()

			if result.ArtifactPath != "" {
				removeErr := os.Remove(result.ArtifactPath)
				if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
					rt.log.Warn("Failed to remove temp file %s: %v", result.ArtifactPath, removeErr)
				}
			}

			if !result.Success {
				return fmt.Errorf("%w: %s", ErrSynthesisFailed, result.Message)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s (endpoint %s, via %s)\n", outPath, result.Endpoint, result.TransportUsed)

			return nil
		},
	}
	cmd.Flags().StringVar(&request.Voice, flagVoice, "", flagVoiceDesc)
	cmd.Flags().StringVar(&request.Preset, flagPreset, "", flagPresetDesc)
	cmd.Flags().StringVar(&request.Emotion, flagEmotion, "", flagEmotionDesc)
	cmd.Flags().StringVar(&outPath, flagOut, "", flagOutDesc)
	cmd.Flags().BoolVar(&dumpConfig, flagDump, false, flagDumpDesc)

	return cmd
}
