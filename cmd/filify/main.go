package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	apiclient "github.com/splax/filify/pkg/api/client"
)

type cliConfig struct {
	APIBaseURL       string `json:"api_base_url"`
	FinalizerBaseURL string `json:"finalizer_base_url"`
	AccessToken      string `json:"access_token"`
}

const requestTimeout = 15 * time.Second

var (
	buildVersion = "dev"

	flagAPI       string
	flagFinalizer string
	flagToken     string
)

var rootCmd = &cobra.Command{
	Use:           "filify",
	Short:         "Operate filify deployments",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagAPI, "api", os.Getenv("FILIFY_API"), "record store base URL")
	rootCmd.PersistentFlags().StringVar(&flagFinalizer, "finalizer", os.Getenv("FILIFY_FINALIZER"), "finalizer agent base URL")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("FILIFY_TOKEN"), "API bearer token")
	rootCmd.AddCommand(loginCmd(), deploymentsCmd(), tokenCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styles().failure.Render("error:"), err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(buildVersion))
		},
	}
}

func loginCmd() *cobra.Command {
	var apiBase, finalizerBase string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an API token for later commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			token := strings.TrimSpace(flagToken)
			if token == "" {
				fmt.Fprint(cmd.OutOrStdout(), "Token: ")
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(cmd.OutOrStdout())
				if err != nil {
					return fmt.Errorf("read token: %w", err)
				}
				token = strings.TrimSpace(string(raw))
			}
			if token == "" {
				return errors.New("token is required")
			}
			cfg, _ := loadConfig()
			if strings.TrimSpace(apiBase) != "" {
				cfg.APIBaseURL = apiBase
			}
			if strings.TrimSpace(finalizerBase) != "" {
				cfg.FinalizerBaseURL = finalizerBase
			}
			cfg.AccessToken = token
			if err := saveConfig(cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), styles().success.Render("token saved"))
			return nil
		},
	}
	cmd.Flags().StringVar(&apiBase, "api-url", "", "record store base URL to remember")
	cmd.Flags().StringVar(&finalizerBase, "finalizer-url", "", "finalizer base URL to remember")
	return cmd
}

// recordClient builds a client for the record store from flags and saved config.
func recordClient() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	base := firstSet(flagAPI, cfg.APIBaseURL)
	return authedClient(base, cfg)
}

func finalizerClient() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	base := firstSet(flagFinalizer, cfg.FinalizerBaseURL)
	return authedClient(base, cfg)
}

func authedClient(base string, cfg cliConfig) (*apiclient.Client, error) {
	token := firstSet(flagToken, cfg.AccessToken)
	if token == "" {
		return nil, errors.New("no API token: run 'filify login' or pass --token")
	}
	return apiclient.New(base, apiclient.WithToken(token))
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), requestTimeout)
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func loadConfig() (cliConfig, error) {
	defaults := cliConfig{APIBaseURL: "http://localhost:4000", FinalizerBaseURL: "http://localhost:4100"}
	path, err := configPath()
	if err != nil {
		return defaults, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaults, nil
		}
		return defaults, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return defaults, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.APIBaseURL = firstSet(cfg.APIBaseURL, defaults.APIBaseURL)
	cfg.FinalizerBaseURL = firstSet(cfg.FinalizerBaseURL, defaults.FinalizerBaseURL)
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "filify", "config.json"), nil
}
