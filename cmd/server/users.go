package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/lead-exchange/api"
	"github.com/warp/lead-exchange/market"
)

func userCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage marketplace users",
	}
	cmd.AddCommand(userAddCommand(a))
	return cmd
}

func userAddCommand(a *app) *cobra.Command {
	var (
		id            string
		email         string
		role          string
		stripeAccount string
		onboarded     bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or update a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := market.Role(strings.ToLower(role))
			if !r.Valid() {
				return fmt.Errorf("--role must be %s or %s", market.RoleProvider, market.RoleBuyer)
			}
			if strings.TrimSpace(id) == "" {
				return fmt.Errorf("--id is required")
			}

			store, closeStore, err := openStore(cmd.Context(), a.cnf, a.log)
			if err != nil {
				return err
			}
			defer closeStore()

			u := market.User{
				ID:                 market.UserID(id),
				Email:              email,
				Role:               r,
				StripeAccountID:    stripeAccount,
				OnboardingComplete: onboarded,
				CreatedAt:          time.Now().UTC(),
			}
			if err := store.SaveUser(cmd.Context(), u); err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(u)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "user id")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&role, "role", "", "provider or buyer")
	cmd.Flags().StringVar(&stripeAccount, "stripe-account", "", "connected account id (providers)")
	cmd.Flags().BoolVar(&onboarded, "onboarded", false, "mark processor onboarding complete")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func tokenCommand(a *app) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Print a bearer token for an existing user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openStore(cmd.Context(), a.cnf, a.log)
			if err != nil {
				return err
			}
			defer closeStore()

			user, err := store.GetUser(cmd.Context(), market.UserID(args[0]))
			if err != nil {
				return err
			}

			if ttl <= 0 {
				ttl = a.cnf.Auth.TokenTTL
			}
			issuer := api.NewTokenIssuer(a.cnf.Auth.JWTSecret, a.cnf.Auth.Issuer, ttl)
			token, expiresAt, err := issuer.Issue(user.ID, user.Role)
			if err != nil {
				return err
			}

			a.log.WithFields(logrus.Fields{
				"user_id":    user.ID,
				"role":       user.Role,
				"expires_at": expiresAt.Format(time.RFC3339),
			}).Debug("token issued")
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to LEADX_AUTH_TOKEN_TTL)")
	return cmd
}
