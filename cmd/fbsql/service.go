package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tomyedwab/fbdriver/driver"
)

// printLines returns a callback that copies service output to out.
func printLines(out io.Writer) driver.LineFunc {
	return func(line string) {
		fmt.Fprintln(out, line)
	}
}

func backupCmd(a *app) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "backup <database> <backup-file>",
		Short: "Back up a database",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			srv, err := a.server(ctx)
			if err != nil {
				return err
			}
			defer srv.Close()

			out := cmd.OutOrStdout()
			var lines driver.LineFunc
			if verbose {
				lines = printLines(out)
			}
			if err := srv.Backup(ctx, args[0], args[1], verbose, lines); err != nil {
				return err
			}
			if err := srv.Wait(ctx); err != nil {
				return err
			}
			size := "unknown size"
			if fi, err := os.Stat(a.engine.ResolvePath(args[1])); err == nil {
				size = humanize.IBytes(uint64(fi.Size()))
			}
			fmt.Fprintf(out, "Backup of %s written to %s (%s)\n", args[0], args[1], size)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print the progress of the backup")
	return cmd
}

func restoreCmd(a *app) *cobra.Command {
	var replace, verbose bool
	cmd := &cobra.Command{
		Use:   "restore <backup-file> <database>",
		Short: "Restore a database from a backup",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			srv, err := a.server(ctx)
			if err != nil {
				return err
			}
			defer srv.Close()

			out := cmd.OutOrStdout()
			var lines driver.LineFunc
			if verbose {
				lines = printLines(out)
			}
			if err := srv.Restore(ctx, args[0], args[1], replace, verbose, lines); err != nil {
				return err
			}
			if err := srv.Wait(ctx); err != nil {
				return err
			}
			fmt.Fprintf(out, "Restored %s from %s\n", args[1], args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "replace an existing database")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print the progress of the restore")
	return cmd
}

func statsCmd(a *app) *cobra.Command {
	var validate bool
	cmd := &cobra.Command{
		Use:   "stats <database>",
		Short: "Print database statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			srv, err := a.server(ctx)
			if err != nil {
				return err
			}
			defer srv.Close()

			lines := printLines(cmd.OutOrStdout())
			if validate {
				return srv.Validate(ctx, args[0], lines)
			}
			return srv.Stats(ctx, args[0], lines)
		},
	}
	cmd.Flags().BoolVar(&validate, "validate", false, "validate the database instead")
	return cmd
}

func usersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage users of the security database",
	}
	cmd.AddCommand(usersListCmd(a), usersAddCmd(a), usersModifyCmd(a), usersDeleteCmd(a))
	return cmd
}

func usersListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list [name]",
		Short: "List users",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			srv, err := a.server(ctx)
			if err != nil {
				return err
			}
			defer srv.Close()

			var users []driver.User
			if len(args) == 1 {
				u, err := srv.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				if u == nil {
					return fmt.Errorf("user %s not found", args[0])
				}
				users = append(users, *u)
			} else if users, err = srv.GetUsers(ctx, ""); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.output != "table" {
				return encode(out, a.output, users)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tFIRST\tMIDDLE\tLAST\tADMIN")
			for _, u := range users {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", u.Name, u.FirstName, u.MiddleName, u.LastName, u.Admin)
			}
			return w.Flush()
		},
	}
}

func usersAddCmd(a *app) *cobra.Command {
	var u driver.User
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			srv, err := a.server(ctx)
			if err != nil {
				return err
			}
			defer srv.Close()
			u.Name = args[0]
			if err := srv.AddUser(ctx, u); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User %s added\n", u.Name)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&u.Password, "new-password", "", "password of the new user")
	f.StringVar(&u.FirstName, "first-name", "", "first name")
	f.StringVar(&u.MiddleName, "middle-name", "", "middle name")
	f.StringVar(&u.LastName, "last-name", "", "last name")
	f.BoolVar(&u.Admin, "admin", false, "grant the admin role")
	cmd.MarkFlagRequired("new-password")
	return cmd
}

func usersModifyCmd(a *app) *cobra.Command {
	var (
		password, first, middle, last string
		admin                         bool
	)
	cmd := &cobra.Command{
		Use:   "modify <name>",
		Short: "Change attributes of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var change driver.UserChange
			f := cmd.Flags()
			if f.Changed("new-password") {
				change.Password = &password
			}
			if f.Changed("first-name") {
				change.FirstName = &first
			}
			if f.Changed("middle-name") {
				change.MiddleName = &middle
			}
			if f.Changed("last-name") {
				change.LastName = &last
			}
			if f.Changed("admin") {
				change.Admin = &admin
			}

			ctx := cmd.Context()
			srv, err := a.server(ctx)
			if err != nil {
				return err
			}
			defer srv.Close()
			if err := srv.ModifyUser(ctx, args[0], change); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User %s modified\n", args[0])
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&password, "new-password", "", "new password")
	f.StringVar(&first, "first-name", "", "first name")
	f.StringVar(&middle, "middle-name", "", "middle name")
	f.StringVar(&last, "last-name", "", "last name")
	f.BoolVar(&admin, "admin", false, "grant or revoke the admin role")
	return cmd
}

func usersDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			srv, err := a.server(ctx)
			if err != nil {
				return err
			}
			defer srv.Close()
			if err := srv.DeleteUser(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User %s deleted\n", args[0])
			return nil
		},
	}
}
