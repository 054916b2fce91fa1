package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-chat-mirror/internal/config"
	"github.com/tbourn/go-chat-mirror/internal/domain"
	"github.com/tbourn/go-chat-mirror/internal/repo"
	"github.com/tbourn/go-chat-mirror/internal/rest"
	"github.com/tbourn/go-chat-mirror/internal/token"
)

func newCredentialsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credentials",
		Aliases: []string{"creds"},
		Short:   "Manage stored account credentials",
	}
	cmd.AddCommand(newCredentialsAddCmd(a), newCredentialsListCmd(a), newCredentialsRemoveCmd(a))
	return cmd
}

func newCredentialsAddCmd(a *app) *cobra.Command {
	var domainName, tok string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Verify a token against the server and store it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			domainName = config.NormalizeDomain(domainName)
			if domainName == "" || tok == "" {
				return errors.New("--domain and --token are required")
			}
			ctx := background(cmd)
			lg := log.With().Str("domain", domainName).Str("token", token.Redact(tok)).Logger()
			if sub, ok := token.Subject(tok); ok {
				lg = lg.With().Str("subject", sub).Logger()
			}

			me, err := rest.New(domainName, rest.WithTimeout(a.cfg.RESTTimeout)).Me(ctx, tok)
			if err != nil {
				return fmt.Errorf("resolve account: %w", err)
			}

			db, store, err := a.openStore(false)
			if err != nil {
				return err
			}
			defer closeDB(db)

			if err := store.Save(ctx, domain.Account{
				Domain:        domainName,
				UserID:        me.ID.String(),
				Username:      me.Username,
				Discriminator: me.Discriminator,
				Avatar:        me.Avatar,
				Token:         tok,
			}); err != nil {
				return err
			}
			lg.Info().Str("user_id", me.ID.String()).Msg("credential stored")
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "stored %s#%s (%s) on %s\n", me.Username, me.Discriminator, me.ID, domainName)
			return err
		},
	}
	cmd.Flags().StringVar(&domainName, "domain", "", "instance domain, e.g. chat.example.org")
	cmd.Flags().StringVar(&tok, "token", "", "account token")
	_ = cmd.MarkFlagRequired("domain")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newCredentialsListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, store, err := a.openStore(false)
			if err != nil {
				return err
			}
			defer closeDB(db)

			accounts, skipped, err := store.List(background(cmd))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DOMAIN\tUSER ID\tUSERNAME")
			for _, acc := range accounts {
				fmt.Fprintf(w, "%s\t%s\t%s#%s\n", acc.Domain, acc.UserID, acc.Username, acc.Discriminator)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if skipped > 0 {
				log.Warn().Int("skipped", skipped).Msg("some credentials could not be opened with CREDENTIALS_SECRET")
			}
			return nil
		},
	}
}

func newCredentialsRemoveCmd(a *app) *cobra.Command {
	var domainName, userID string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Delete a stored account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, store, err := a.openStore(false)
			if err != nil {
				return err
			}
			defer closeDB(db)

			domainName = config.NormalizeDomain(domainName)
			err = store.Delete(background(cmd), domainName, userID)
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("no credential for user %s on %s", userID, domainName)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %s from %s\n", userID, domainName)
			return err
		},
	}
	cmd.Flags().StringVar(&domainName, "domain", "", "instance domain")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("domain")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
