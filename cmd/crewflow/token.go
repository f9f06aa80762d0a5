package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/HyphaGroup/crewflow/internal/auth"
	"github.com/HyphaGroup/crewflow/internal/config"
)

const tokenTimeFormat = "2006-01-02 15:04"

func newTokenCommand() *cobra.Command {
	var configDir, dataDir string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens",
		Long: `Manage API tokens.

Scope formats:
  admin           Full access to all tools and crews
  admin:ro        Read-only access to all tools and crews
  crew:<name>     Full access to one crew
  crew:<name>:ro  Read-only access to one crew`,
	}
	cmd.PersistentFlags().StringVar(&configDir, "config", "", "directory containing crewflow.jsonc")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "token database directory (overrides the config)")

	open := func() (*auth.Store, error) {
		dir := dataDir
		if dir == "" {
			cfg, err := config.LoadAll(configDir)
			if err != nil {
				return nil, fmt.Errorf("failed to load config: %w", err)
			}
			dir = cfg.Storage.DataDir
		}
		store, err := auth.NewStore(dir)
		if err != nil {
			return nil, fmt.Errorf("initializing auth store: %w", err)
		}
		return store, nil
	}

	cmd.AddCommand(newTokenCreateCommand(open))
	cmd.AddCommand(newTokenListCommand(open))
	cmd.AddCommand(newTokenRevokeCommand(open))
	cmd.AddCommand(newTokenInfoCommand(open))
	return cmd
}

type storeOpener func() (*auth.Store, error)

func newTokenCreateCommand(open storeOpener) *cobra.Command {
	var (
		name    string
		scope   string
		expires time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API token",
		Example: `  crewflow token create --name "Local Dev" --scope admin
  crewflow token create --name "Research" --scope crew:research --expires 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || scope == "" {
				return errors.New("--name and --scope are required")
			}
			if !auth.ValidScope(scope) {
				return fmt.Errorf("invalid scope %q (valid: admin, admin:ro, crew:<name>, crew:<name>:ro)", scope)
			}
			var expiresAt *time.Time
			if expires > 0 {
				t := time.Now().Add(expires)
				expiresAt = &t
			}

			store, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			token, tokenID, err := store.CreateToken(name, scope, expiresAt)
			if err != nil {
				return fmt.Errorf("creating token: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Token created successfully!")
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Token ID: %s\n", tokenID)
			fmt.Fprintf(out, "Name:     %s\n", token.Name)
			fmt.Fprintf(out, "Scope:    %s\n", token.Scope)
			if token.ExpiresAt != nil {
				fmt.Fprintf(out, "Expires:  %s\n", token.ExpiresAt.Format(tokenTimeFormat))
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, "IMPORTANT: Save this token now. It cannot be retrieved later.")
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "human-readable token name (required)")
	cmd.Flags().StringVar(&scope, "scope", "", "token scope (required)")
	cmd.Flags().DurationVar(&expires, "expires", 0, "token lifetime, e.g. 720h (never expires when zero)")
	return cmd
}

func newTokenListCommand(open storeOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			tokens, err := store.ListTokens()
			if err != nil {
				return fmt.Errorf("listing tokens: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(tokens) == 0 {
				fmt.Fprintln(out, "No tokens found.")
				fmt.Fprintln(out)
				fmt.Fprintln(out, `Create one with: crewflow token create --name "My Token" --scope admin`)
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tNAME\tSCOPE\tCREATED\tLAST USED\tEXPIRES")
			_, _ = fmt.Fprintln(w, "--\t----\t-----\t-------\t---------\t-------")
			for _, t := range tokens {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					auth.MaskToken(t.ID),
					t.Name,
					t.Scope,
					t.CreatedAt.Format(tokenTimeFormat),
					formatOptionalTime(t.LastUsedAt),
					formatOptionalTime(t.ExpiresAt),
				)
			}
			return w.Flush()
		},
	}
}

func newTokenRevokeCommand(open storeOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <token_id>",
		Short: "Revoke a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.RevokeToken(args[0]); err != nil {
				return fmt.Errorf("revoking token: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Token %s revoked successfully.\n", auth.MaskToken(args[0]))
			return nil
		},
	}
}

func newTokenInfoCommand(open storeOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "info <token_id>",
		Short: "Show token details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			token, err := store.GetToken(args[0])
			if err != nil {
				return fmt.Errorf("getting token: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Token ID:    %s\n", auth.MaskToken(token.ID))
			fmt.Fprintf(out, "Name:        %s\n", token.Name)
			fmt.Fprintf(out, "Scope:       %s\n", token.Scope)
			fmt.Fprintf(out, "Created:     %s\n", token.CreatedAt.Format(tokenTimeFormat))
			fmt.Fprintf(out, "Last Used:   %s\n", formatOptionalTime(token.LastUsedAt))
			fmt.Fprintf(out, "Expires:     %s\n", formatOptionalTime(token.ExpiresAt))
			return nil
		},
	}
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(tokenTimeFormat)
}
