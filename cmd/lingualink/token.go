package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"lingualink/internal/auth"
	"lingualink/internal/clock"
)

func newTokenCmd(configPath *string) *cobra.Command {
	var partyID, role string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a gateway token for a party",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadQuiet(*configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret must be set to issue tokens")
			}
			issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, clock.Real())
			if err != nil {
				return err
			}
			token, err := issuer.Issue(partyID, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&partyID, "party", "", "party id to embed")
	cmd.Flags().StringVar(&role, "role", "student", "tutor or student")
	cmd.MarkFlagRequired("party")
	return cmd
}
