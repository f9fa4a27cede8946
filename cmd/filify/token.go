package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	jwtpkg "github.com/splax/filify/pkg/jwt"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint access tokens with the shared secret",
	}
	cmd.AddCommand(tokenIssueCmd())
	return cmd
}

func tokenIssueCmd() *cobra.Command {
	var subject, scope string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an API or wallet session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(subject) == "" {
				return errors.New("--subject is required")
			}
			if scope != jwtpkg.ScopeAPI && scope != jwtpkg.ScopeWallet {
				return fmt.Errorf("unknown scope %q (want %s or %s)", scope, jwtpkg.ScopeAPI, jwtpkg.ScopeWallet)
			}
			secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
			if secret == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "JWT secret: ")
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(cmd.ErrOrStderr())
				if err != nil {
					return fmt.Errorf("read secret: %w", err)
				}
				secret = strings.TrimSpace(string(raw))
			}
			if secret == "" {
				return errors.New("JWT secret is required")
			}
			token, err := jwtpkg.GenerateToken(subject, scope, secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (operator or wallet owner)")
	cmd.Flags().StringVar(&scope, "scope", jwtpkg.ScopeAPI, "token scope (api or wallet)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
