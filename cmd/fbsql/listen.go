package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"
)

func listenCmd(a *app) *cobra.Command {
	var (
		timeout time.Duration
		rounds  int
	)
	cmd := &cobra.Command{
		Use:   "listen <database> <event>...",
		Short: "Wait for posted events and print their counts",
		Long: `Registers interest in the named events and prints the counts of each
notification. Runs until interrupted, or for --count notifications.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			con, err := a.connect(ctx, args[0])
			if err != nil {
				return err
			}
			defer con.Close(ctx)

			ec, err := con.EventCollector(args[1:]...)
			if err != nil {
				return err
			}
			defer ec.Close()
			if err := ec.Begin(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			names := slices.Sorted(slices.Values(ec.Names()))
			for n := 0; rounds <= 0 || n < rounds; n++ {
				counts, err := ec.Wait(ctx, timeout)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintf(out, "%s\t%d\n", name, counts[name])
				}
				if ec.IsClosed() {
					return nil
				}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "print zero counts when nothing arrives within this time (0 waits forever)")
	cmd.Flags().IntVarP(&rounds, "count", "n", 0, "stop after this many notifications or timeouts (0 runs until interrupted)")
	return cmd
}

func tokenCmd(a *app) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user>",
		Short: "Issue a session token for a user",
		Long: `Prints a session token that --token accepts instead of a password. The
user must exist in the security database.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := a.engine.IssueToken(cmd.Context(), args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
