package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhle/orgmail-gateway/internal/credential"
)

func newCredentialCommand(rt *runtimeState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage mailbox passwords in the system keyring",
	}
	cmd.AddCommand(newCredentialSetCommand(rt), newCredentialDeleteCommand())
	return cmd
}

func newCredentialSetCommand(rt *runtimeState) *cobra.Command {
	var value string

	cmd := &cobra.Command{
		Use:   "set <key>",
		Short: "Store a secret, e.g. imap-newsletter@example.com, read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if value == "" {
				line, err := bufio.NewReader(rt.reader).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("reading secret from stdin: %w", err)
				}
				value = strings.TrimRight(line, "\r\n")
			}
			if value == "" {
				return errors.New("secret is empty")
			}
			if err := credential.Set(args[0], value); err != nil {
				return err
			}
			_, err := fmt.Fprintf(rt.writer, "Stored %s\n", args[0])
			return err
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "secret value (read from stdin when omitted)")
	return cmd
}

func newCredentialDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a stored secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return credential.Delete(args[0])
		},
	}
}
