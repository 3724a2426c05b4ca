package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var reviewLimit int

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "List blocked and timed-out lookups awaiting manual review",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("cache"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		items, err := st.ListReviews(ctx, reviewLimit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "AT\tSUBJECT\tSOURCE\tKIND\tPRIORITY\tSTATUS\tMESSAGE")
		for _, it := range items {
			status := "-"
			if it.StatusCode != 0 {
				status = fmt.Sprint(it.StatusCode)
			}
			_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
				it.At.Format("2006-01-02 15:04"), it.SubjectID, it.Source, it.Kind, it.Priority, status, it.Message)
		}
		return w.Flush()
	},
}

func init() {
	reviewCmd.Flags().IntVar(&reviewLimit, "limit", 50, "max items to list")
	rootCmd.AddCommand(reviewCmd)
}
