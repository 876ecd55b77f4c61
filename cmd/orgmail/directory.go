package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nhle/orgmail-gateway/internal/store"
)

func newDirectoryCommand(rt *runtimeState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "directory",
		Short: "Manage the local organization, event and user directory",
	}
	cmd.AddCommand(newDirectoryLoadCommand(rt))
	return cmd
}

func newDirectoryLoadCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "load <file.yaml>",
		Short: "Upsert organizations, events, users and their links from YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rt.loadConfig()
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening directory file: %w", err)
			}
			defer f.Close()

			seed, err := store.ParseDirectorySeed(f)
			if err != nil {
				return err
			}

			st, err := store.NewSQLiteStore(cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close()

			res, err := store.LoadDirectory(cmd.Context(), st, seed)
			if err != nil {
				return fmt.Errorf("loading directory: %w", err)
			}

			_, err = fmt.Fprintf(rt.writer,
				"Loaded %d users, %d organizations, %d events, %d links\n",
				res.Users, res.Organizations, res.Events, res.Links)
			return err
		},
	}
}
