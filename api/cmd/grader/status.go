package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"exam-grader/api/internal/config"
	"exam-grader/api/internal/handle"
)

func statusCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "status <gradingSheetId>",
		Short: "Print the latest ledger entry of a grading sheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("gradingSheetId: %w", err)
			}
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				if a.ledger == nil {
					return errors.New("status needs DATABASE_URL or PGHOST: the job ledger lives in postgres")
				}
				rec, err := a.ledger.Find(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), handle.SheetStatusFrom(rec))
			})
		},
	}
}
