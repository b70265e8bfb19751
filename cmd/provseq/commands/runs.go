package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/provseq/pkg/stores"
	"github.com/spf13/cobra"
)

const defaultJournal = "provseq.db"

func newRunsCommand() *cobra.Command {
	var journalPath string

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the run journal",
		Long: `Inspect runs recorded with 'provseq run --journal'.

The journal is an audit trail: it shows what every run created, what
rollback deleted and which resources need manual cleanup.`,
	}

	cmd.PersistentFlags().StringVar(&journalPath, "journal", defaultJournal, "SQLite journal to read")

	cmd.AddCommand(newRunsListCommand(&journalPath))
	cmd.AddCommand(newRunsShowCommand(&journalPath))
	cmd.AddCommand(newRunsDeleteCommand(&journalPath))

	return cmd
}

func newRunsListCommand(journalPath *string) *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, most recent first",
		Example: `  provseq runs list
  provseq runs list --limit 5 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd.Context(), *journalPath, func(store *stores.SQLiteStore) error {
				runs, err := store.ListRuns(cmd.Context(), limit, offset)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), runs)
				}
				if len(runs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
					return nil
				}
				printRunsTable(cmd.OutOrStdout(), runs)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")

	return cmd
}

func newRunsShowCommand(journalPath *string) *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its resources and rollback errors",
		Example: `  provseq runs show 6f1c0d3e-5b7a-4c47-9a55-0c3f2f0c8e21
  provseq runs show 6f1c0d3e-5b7a-4c47-9a55-0c3f2f0c8e21 --events --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd.Context(), *journalPath, func(store *stores.SQLiteStore) error {
				detail, err := store.GetRunDetail(cmd.Context(), args[0], events)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), detail)
				}
				printRunDetail(cmd.OutOrStdout(), detail)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "include the event log")

	return cmd
}

func newRunsDeleteCommand(journalPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Remove a run from the journal",
		Long: `Remove a run and everything recorded about it from the journal.

This only forgets the run; it does not touch any cloud resource.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd.Context(), *journalPath, func(store *stores.SQLiteStore) error {
				if err := store.DeleteRun(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s.\n", args[0])
				return nil
			})
		},
	}
}

func withJournal(ctx context.Context, path string, fn func(*stores.SQLiteStore) error) error {
	store, err := stores.Open(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	defer store.Close()

	err = fn(store)
	if errors.Is(err, stores.ErrNotFound) {
		return fmt.Errorf("%w in journal %s", err, path)
	}
	return err
}
