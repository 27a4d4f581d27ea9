// cmd/agcx/manage.go
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"agcx/internal/sessionfile"
)

func forkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fork <id>",
		Short: "Copy a session into a new one",
		Long: "Copy a session into a new session file. With --checkpoint only the\n" +
			"labeled snapshot and its ancestors are carried over and the fork's\n" +
			"head is the labeled snapshot.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			id, err := resolveSessionID(svc, args[0])
			if err != nil {
				return err
			}
			title, _ := cmd.Flags().GetString("title")
			label, _ := cmd.Flags().GetString("checkpoint")
			forkID, err := svc.Fork(id, title, label)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Forked %s into %s\n", shortID(id), forkID)
			return nil
		},
	}
	cmd.Flags().String("checkpoint", "", "Fork from this checkpoint label instead of the full history")
	cmd.Flags().StringP("title", "t", "", "Title for the fork")
	return cmd
}

func deleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session file and its catalogue entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			id, err := resolveSessionID(svc, args[0])
			if err != nil {
				return err
			}
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				meta, err := svc.Inspect(id)
				if err != nil {
					return err
				}
				ok, err := confirm(cmd, fmt.Sprintf("Delete %q (%s)?", meta.Title, shortID(id)))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}
			if err := svc.Delete(id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
			return nil
		},
	}
	cmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func confirm(cmd *cobra.Command, prompt string) (bool, error) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N]: ", prompt)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes", nil
}

func renameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Retitle a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			id, err := resolveSessionID(svc, args[0])
			if err != nil {
				return err
			}
			if err := svc.Rename(id, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %q\n", shortID(id), args[1])
			return nil
		},
	}
}

func favoriteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "favorite <id>",
		Short: "Mark a session as a favorite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			id, err := resolveSessionID(svc, args[0])
			if err != nil {
				return err
			}
			unset, _ := cmd.Flags().GetBool("unset")
			if err := svc.SetFavorite(id, !unset); err != nil {
				return err
			}
			if unset {
				fmt.Fprintf(cmd.OutOrStdout(), "Unfavorited %s\n", shortID(id))
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Favorited %s\n", shortID(id))
			}
			return nil
		},
	}
	cmd.Flags().Bool("unset", false, "Remove the favorite flag")
	return cmd
}

func tagCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag <id> <tag>",
		Short: "Add or remove a session tag",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			id, err := resolveSessionID(svc, args[0])
			if err != nil {
				return err
			}
			if remove, _ := cmd.Flags().GetBool("remove"); remove {
				if err := svc.RemoveTag(id, args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed tag %q from %s\n", args[1], shortID(id))
				return nil
			}
			if err := svc.AddTag(id, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tagged %s with %q\n", shortID(id), args[1])
			return nil
		},
	}
	cmd.Flags().Bool("remove", false, "Remove the tag instead of adding it")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate [<id>]",
		Short: "Upgrade session files to the current format",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			if all && len(args) > 0 {
				return fmt.Errorf("--all does not take a session id")
			}
			if !all && len(args) == 0 {
				return fmt.Errorf("give a session id or --all")
			}

			svc, err := openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			out := cmd.OutOrStdout()
			if all {
				n, err := svc.MigrateAll()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Migrated %d session(s)\n", n)
				return nil
			}

			id, err := resolveSessionID(svc, args[0])
			if err != nil {
				return err
			}
			from, err := svc.Migrate(id)
			if err != nil {
				return err
			}
			if from == sessionfile.CurrentVersion {
				fmt.Fprintf(out, "Session %s is already at v%d\n", shortID(id), from)
				return nil
			}
			fmt.Fprintf(out, "Migrated %s from v%d to v%d\n", shortID(id), from, sessionfile.CurrentVersion)
			return nil
		},
	}
	cmd.Flags().Bool("all", false, "Migrate every outdated session")
	return cmd
}
