package main

import (
	"context"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"exam-grader/api/internal/config"
	"exam-grader/api/internal/types"
)

// stdoutSender печатает колбэки вместо отправки, когда callbackUrl не задан.
type stdoutSender struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *stdoutSender) Send(_ context.Context, _ string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return printJSON(s.w, payload)
}

func gradeCmd(load func() (*config.Config, error)) *cobra.Command {
	var maxConcurrent int
	cmd := &cobra.Command{
		Use:   "grade <request.json>",
		Short: "Grade a batch synchronously; without callbackUrl the payloads are printed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req types.GradeBatchRequest
			if err := readJSONFile(args[0], &req); err != nil {
				return err
			}
			if maxConcurrent > 0 {
				req.MaxConcurrent = maxConcurrent
			}
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				c := a.coordinator
				if req.CallbackURL == "" {
					req.CallbackURL = "stdout"
					c = a.coordinatorWith(&stdoutSender{w: cmd.OutOrStdout()})
				}
				res, err := c.GradeBatch(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.ErrOrStderr(), res)
			})
		},
	}
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "sheets graded in parallel (default from config)")
	return cmd
}
