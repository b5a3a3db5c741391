package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tomyedwab/fbdriver/driver"
)

func queryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "query <database> <sql> [params...]",
		Short: "Run a query and print its rows",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			con, err := a.connect(ctx, args[0])
			if err != nil {
				return err
			}
			defer con.Close(ctx)

			cur := con.QueryTransaction().Cursor()
			cur.StreamBlobThreshold = math.MaxInt
			defer cur.Close()
			if err := cur.Execute(ctx, args[1], stringParams(args[2:])...); err != nil {
				return err
			}
			rows, err := cur.FetchAll(ctx)
			if err != nil {
				return err
			}
			return printRows(cmd.OutOrStdout(), a.output, cur, rows)
		},
	}
}

func execCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "exec <database> <sql>...",
		Short: "Execute statements in one transaction and commit",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			con, err := a.connect(ctx, args[0])
			if err != nil {
				return err
			}
			defer con.Close(ctx)

			cur := con.Cursor()
			for _, sql := range args[1:] {
				if err := cur.Execute(ctx, sql); err != nil {
					con.Rollback(ctx)
					return err
				}
				if n := cur.AffectedRows(); n >= 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%s row(s) affected\n", humanize.Comma(n))
				}
			}
			return con.Commit(ctx)
		},
	}
}

func createCmd(a *app) *cobra.Command {
	var (
		pageSize  int
		dbCharset string
		overwrite bool
	)
	cmd := &cobra.Command{
		Use:   "create <database>",
		Short: "Create a database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			con, err := driver.CreateDatabase(ctx, args[0], driver.CreateParams{
				ConnectParams: a.connectParams(),
				PageSize:      pageSize,
				DBCharset:     dbCharset,
				Overwrite:     overwrite,
			})
			if err != nil {
				return err
			}
			defer con.Close(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", con.DSN())
			return nil
		},
	}
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "database page size")
	cmd.Flags().StringVar(&dbCharset, "db-charset", "", "default character set of the database")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "drop an existing database first")
	return cmd
}

func infoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info <database>",
		Short: "Show database information",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			con, err := a.connect(ctx, args[0])
			if err != nil {
				return err
			}
			defer con.Close(ctx)
			info, err := con.Info(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.output != "table" {
				return encode(out, a.output, info)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Version:\t%s\n", info.Version)
			fmt.Fprintf(w, "ODS:\t%s\n", info.ODSVersion)
			fmt.Fprintf(w, "Page size:\t%s\n", humanize.IBytes(uint64(info.PageSize)))
			fmt.Fprintf(w, "Pages:\t%s\n", humanize.Comma(info.Pages))
			fmt.Fprintf(w, "File size:\t%s\n", humanize.IBytes(uint64(info.FileSize)))
			fmt.Fprintf(w, "Dialect:\t%d\n", info.SQLDialect)
			fmt.Fprintf(w, "Charset:\t%s\n", info.Charset)
			fmt.Fprintf(w, "Read only:\t%t\n", info.ReadOnly)
			fmt.Fprintf(w, "Created:\t%s (%s)\n", info.Created.Format(time.DateTime), humanize.Time(info.Created))
			return w.Flush()
		},
	}
}

func stringParams(args []string) []any {
	params := make([]any, len(args))
	for i, s := range args {
		params[i] = s
	}
	return params
}

func printRows(out io.Writer, format string, cur *driver.Cursor, rows [][]any) error {
	if format != "table" {
		records := make([]map[string]any, len(rows))
		for i, row := range rows {
			records[i] = cur.ToMap(row)
			for k, v := range records[i] {
				if b, ok := v.([]byte); ok {
					records[i][k] = hex.EncodeToString(b)
				}
			}
		}
		return encode(out, format, records)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	desc := cur.Description()
	names := make([]string, len(desc))
	for i, d := range desc {
		names[i] = strings.ToUpper(d.Name)
	}
	fmt.Fprintln(w, strings.Join(names, "\t"))
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = formatValue(v)
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "(%s row(s))\n", humanize.Comma(int64(len(rows))))
	return err
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "<null>"
	case []byte:
		return hex.EncodeToString(v)
	case time.Time:
		return v.Format("2006-01-02 15:04:05.9999")
	case fmt.Stringer:
		return v.String()
	}
	return fmt.Sprint(v)
}

func encode(out io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown output format %q", format)
}
