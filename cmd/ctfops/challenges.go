package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/szaher/ctfops/internal/adapters"
	"github.com/szaher/ctfops/internal/roster"
)

func newChallengesCmd() *cobra.Command {
	var (
		q       roster.Query
		refresh bool
	)

	cmd := &cobra.Command{
		Use:   "challenges",
		Short: "List and cache challenges for a platform",
		Long: `List challenges, fetching them first when nothing is cached.
--refresh fetches the roster again and merges it into the cache, keeping
staged flags and solved state.
--where takes an expression over id, name, solved, staged, points,
solves, category, and attrs, for example:

  ctfops challenges --show all --where 'category == "web" && points >= 100'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			key, err := a.key()
			if err != nil {
				return err
			}
			if refresh {
				if _, err := q.Normalize(); err != nil {
					return err
				}
				if _, err := a.svc.Refresh(a.ctx, key); err != nil {
					return err
				}
			}
			chs, err := a.svc.ListChallenges(a.ctx, key, q)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), chs)
			}
			printChallenges(cmd.OutOrStdout(), chs)
			return nil
		},
	}

	cmd.Flags().StringVar(&q.Show, "show", roster.ShowUnsolved, "Which challenges to show: all, solved, unsolved")
	cmd.Flags().StringVar(&q.Sort, "sort", roster.SortDesc, "Sort order: asc, desc, none")
	cmd.Flags().StringVar(&q.SortBy, "sortby", roster.BySolves, "Sort field: name, points, solves")
	cmd.Flags().StringVar(&q.Where, "where", "", "Filter expression")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Fetch the roster from the platform before listing")

	return cmd
}

func printChallenges(w io.Writer, chs []adapters.Challenge) {
	if len(chs) == 0 {
		fmt.Fprintln(w, "No challenges found.")
		return
	}
	fmt.Fprintf(w, "%-12s %-32s %-12s %8s %8s %s\n", "ID", "NAME", "CATEGORY", "POINTS", "SOLVES", "STATE")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	for _, ch := range chs {
		fmt.Fprintf(w, "%-12s %-32s %-12s %8s %8s %s\n",
			ch.ID, ch.Name, dash(ch.Text(adapters.AttrCategory)),
			number(ch, adapters.AttrPoints), number(ch, adapters.AttrSolves), stateOf(ch))
	}
}

func number(ch adapters.Challenge, attr string) string {
	v, ok := ch.Number(attr)
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%g", v)
}

func stateOf(ch adapters.Challenge) string {
	switch {
	case ch.Solved:
		return "solved"
	case ch.Staged():
		return "staged"
	}
	return "open"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newStageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stage ID FLAG",
		Short: "Save a flag for a challenge without submitting it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			key, err := a.key()
			if err != nil {
				return err
			}
			ch, err := a.svc.Stage(a.ctx, key, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Flag staged for %s (%s)\n", ch.ID, ch.Name)
			return nil
		},
	}
}

func newSolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "solve ID FLAG",
		Short: "Submit a flag for one challenge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			key, err := a.key()
			if err != nil {
				return err
			}
			ok, err := a.svc.StageAndSolve(a.ctx, key, args[0], args[1])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{"id": args[0], "accepted": ok})
			}
			if ok {
				fmt.Fprintf(cmd.OutOrStdout(), "Correct! %s solved.\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Incorrect flag for %s; it stays staged.\n", args[0])
			}
			return nil
		},
	}
}

func newSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit",
		Short: "Submit every staged flag in one batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			key, err := a.key()
			if err != nil {
				return err
			}
			results, err := a.svc.SubmitStaged(a.ctx, key)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), results)
			}
			if len(results) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No staged flags.")
				return nil
			}
			for _, r := range results {
				verdict := "rejected"
				if r.Accepted {
					verdict = "accepted"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", r.ID, verdict)
			}
			return nil
		},
	}
}
