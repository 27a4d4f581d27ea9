// cmd/agcx/main.go

// Package main is the agcx storage tool. It lists, inspects, forks,
// migrates and exports session files without going through the
// assistant itself.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"agcx/internal/config"
	"agcx/internal/session"
	"agcx/internal/sessionfile"
)

// Set by goreleaser ldflags.
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "agcx:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agcx",
		Short:         "Inspect and manage conversation session files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("root", "", "Storage root directory (default: the configured data directory)")
	root.AddCommand(
		versionCmd(),
		listCmd(),
		searchCmd(),
		inspectCmd(),
		branchesCmd(),
		statsCmd(),
		exportCmd(),
		forkCmd(),
		deleteCmd(),
		renameCmd(),
		favoriteCmd(),
		tagCmd(),
		migrateCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and the session file format it reads",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agcx %s (session format v%d)\n", version, sessionfile.CurrentVersion)
		},
	}
}

// openService builds a session service for the storage root selected by
// the --root flag, falling back to the configured data directory.
func openService(cmd *cobra.Command) (*session.Service, error) {
	root, _ := cmd.Flags().GetString("root")
	cfg, err := loadConfig(root)
	if err != nil {
		return nil, err
	}
	return session.NewService(cfg, nil)
}

func loadConfig(root string) (*config.Config, error) {
	if root == "" {
		return config.Load()
	}
	cfg := &config.Config{
		HomeDir:    root,
		DataDir:    root,
		ConfigPath: filepath.Join(root, "config.yaml"),
		Settings:   config.DefaultSettings(),
	}
	if _, err := os.Stat(cfg.ConfigPath); err == nil {
		settings, err := config.LoadSettings(cfg.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg.Settings = *settings
	}
	return cfg, nil
}

// resolveSessionID accepts a full session id or a unique prefix of one.
func resolveSessionID(svc *session.Service, arg string) (uuid.UUID, error) {
	if id, err := uuid.Parse(arg); err == nil {
		return id, nil
	}
	prefix := strings.ToLower(arg)
	var match uuid.UUID
	found := 0
	for _, e := range svc.List() {
		if strings.HasPrefix(e.ID.String(), prefix) {
			match = e.ID
			found++
		}
	}
	switch found {
	case 0:
		return uuid.Nil, fmt.Errorf("no session matches %q", arg)
	case 1:
		return match, nil
	default:
		return uuid.Nil, fmt.Errorf("%d sessions match %q, give more characters", found, arg)
	}
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
