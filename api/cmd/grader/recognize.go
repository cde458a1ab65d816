package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"exam-grader/api/internal/config"
	"exam-grader/api/internal/types"
)

// withApp собирает компоненты на время одной CLI-команды.
func withApp(cmd *cobra.Command, load func() (*config.Config, error), fn func(ctx context.Context, a *app) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := buildApp(ctx, ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func readJSONFile(path string, v any) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func recognizeCmd(load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recognize",
		Short: "Run one recognition step and print the result as JSON",
	}

	blank := &cobra.Command{
		Use:   "blank <image-url>",
		Short: "Recognize choice region and score table of a blank sheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				res, err := a.recognizer.RecognizeBlankSheet(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}

	var blankURLs, answerURLs []string
	combined := &cobra.Command{
		Use:   "combined",
		Short: "Recognize blank sheet pages together with answer key pages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(blankURLs) == 0 || len(answerURLs) == 0 {
				return errors.New("--blank and --answer are both required")
			}
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				res, err := a.recognizer.RecognizeCombined(ctx, blankURLs, answerURLs)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	combined.Flags().StringSliceVar(&blankURLs, "blank", nil, "blank sheet image URL (repeatable)")
	combined.Flags().StringSliceVar(&answerURLs, "answer", nil, "answer key image URL (repeatable)")

	var blankFile string
	student := &cobra.Command{
		Use:   "student <image-url>",
		Short: "Recognize a student's answers on one page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var bl types.RecognitionResult
			if blankFile != "" {
				if err := readJSONFile(blankFile, &bl); err != nil {
					return err
				}
			}
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				res, err := a.recognizer.RecognizeStudentAnswers(ctx, args[0], bl)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	student.Flags().StringVar(&blankFile, "blank-json", "", "blank sheet recognition JSON file ('-' for stdin)")

	answers := &cobra.Command{
		Use:   "answers <image-url>...",
		Short: "Recognize an answer key from one or more images",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				res, err := a.recognizer.RecognizeAnswers(ctx, args)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}

	cmd.AddCommand(blank, combined, student, answers)
	return cmd
}
