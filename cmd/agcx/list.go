// cmd/agcx/list.go
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"agcx/internal/index"
)

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently used first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			entries := svc.List()
			if fav, _ := cmd.Flags().GetBool("favorites"); fav {
				entries = svc.Favorites()
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return writeEntriesJSON(cmd.OutOrStdout(), entries)
			}
			writeEntryTable(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().Bool("favorites", false, "Only favorite sessions")
	cmd.Flags().Bool("json", false, "Emit JSON instead of a table")
	return cmd
}

func searchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search session titles and tags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			entries := svc.Search(args[0])
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return writeEntriesJSON(cmd.OutOrStdout(), entries)
			}
			writeEntryTable(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Emit JSON instead of a table")
	return cmd
}

func writeEntryTable(w io.Writer, entries []index.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No sessions.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, " \tID\tTITLE\tMSGS\tTURNS\tMODEL\tSIZE\tUPDATED")
	for _, e := range entries {
		fav := " "
		if e.Favorite {
			fav = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			fav, e.ID, truncate(e.Title, 40), e.MessageCount, e.TurnCount,
			orDash(e.Model), humanize.Bytes(e.SizeBytes), humanize.Time(e.LastAccessed))
	}
	tw.Flush()
}

type entryJSON struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	Messages     uint32    `json:"messages"`
	Turns        uint32    `json:"turns"`
	SizeBytes    uint64    `json:"size_bytes"`
	Model        string    `json:"model,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	Favorite     bool      `json:"favorite,omitempty"`
}

func writeEntriesJSON(w io.Writer, entries []index.Entry) error {
	out := make([]entryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryJSON{
			ID:           e.ID.String(),
			Title:        e.Title,
			CreatedAt:    e.CreatedAt,
			LastAccessed: e.LastAccessed,
			Messages:     e.MessageCount,
			Turns:        e.TurnCount,
			SizeBytes:    e.SizeBytes,
			Model:        e.Model,
			Tags:         e.Tags,
			Favorite:     e.Favorite,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
