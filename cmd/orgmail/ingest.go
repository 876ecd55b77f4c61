package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nhle/orgmail-gateway/internal/model"
)

func newIngestCommand(rt *runtimeState) *cobra.Command {
	var org model.OrganizationIdentity

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run one ingestion pass and print the relevant emails as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := setupLogger(rt.debug)
			defer func() { _ = log.Sync() }()

			a, err := rt.openApp(cmd.Context(), log)
			if err != nil {
				return err
			}
			defer a.Close()

			var filter *model.OrganizationIdentity
			if org.Name != "" || org.Slug != "" {
				filter = &org
			}

			emails, err := a.Ingestor.Ingest(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("ingesting mailbox: %w", err)
			}
			if emails == nil {
				emails = []model.InboundEmail{}
			}

			enc := json.NewEncoder(rt.writer)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"emails": emails})
		},
	}
	cmd.Flags().StringVar(&org.Name, "org-name", "", "organization display name used for Sent matching")
	cmd.Flags().StringVar(&org.Slug, "org-slug", "", "organization slug used for Inbox matching")
	return cmd
}
