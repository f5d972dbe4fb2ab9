package main

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/auth"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newIssueTokenCommand() *cobra.Command {
	var (
		subject     string
		email       string
		displayName string
		roles       []string
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Sign a collaborator session token with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.Issue(auth.Claims{
				Email:            strings.TrimSpace(email),
				DisplayName:      strings.TrimSpace(displayName),
				Roles:            roles,
				RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Collaborator id")
	cmd.Flags().StringVar(&email, "email", "", "Collaborator email")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Collaborator display name")
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "Comma-separated roles (admin grants lock break and comment moderation)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
