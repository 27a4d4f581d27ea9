// cmd/agcx/stats.go
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"agcx/internal/usage"
)

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the session store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			st := usage.Collect(svc.List())
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			writeStats(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Emit JSON instead of text")
	return cmd
}

func writeStats(w io.Writer, st *usage.Stats) {
	fmt.Fprintf(w, "Sessions:   %d (%d favorite)\n", st.Sessions, st.Favorites)
	fmt.Fprintf(w, "Messages:   %s\n", humanize.Comma(int64(st.Messages)))
	fmt.Fprintf(w, "Turns:      %s\n", humanize.Comma(int64(st.Turns)))
	fmt.Fprintf(w, "Disk:       %s\n", humanize.Bytes(st.Bytes))

	if len(st.ByModel) > 0 {
		fmt.Fprintln(w, "\nBy model:")
		tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
		fmt.Fprintln(tw, "  MODEL\tSESSIONS\tTURNS\tSIZE")
		for _, ms := range st.ByModel {
			fmt.Fprintf(tw, "  %s\t%d\t%d\t%s\n", ms.Model, ms.Sessions, ms.Turns, humanize.Bytes(ms.Bytes))
		}
		tw.Flush()
	}
	if len(st.ByDay) > 0 {
		fmt.Fprintln(w, "\nBy day:")
		tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
		fmt.Fprintln(tw, "  DATE\tSESSIONS\tSIZE")
		for _, ds := range st.ByDay {
			fmt.Fprintf(tw, "  %s\t%d\t%s\n", ds.Date, ds.Sessions, humanize.Bytes(ds.Bytes))
		}
		tw.Flush()
	}
}
