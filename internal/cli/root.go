// Package cli implements flowctl, a command line client for the Flow payment
// gateway used to debug signatures and inspect payments by hand.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"festibox/shop/internal/config"
	"festibox/shop/internal/flow"
	"festibox/shop/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Sandbox    bool
	BaseURL    string
	ConfigPath string
	Timeout    time.Duration
}

// NewRootCommand creates the root command for flowctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "flowctl",
		Short: "Inspect and exercise the Flow payment gateway",
		Long: `flowctl signs Flow API parameters, creates payment orders and queries
payment status with the same client the checkout service uses.

Keys come from FLOW_API_KEY and FLOW_SECRET_KEY, or from the config file
named by --config or FESTIBOX_CONFIG.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log requests to stderr")
	cmd.PersistentFlags().BoolVar(&opts.Sandbox, "sandbox", false, "use the Flow sandbox")
	cmd.PersistentFlags().StringVar(&opts.BaseURL, "base-url", "", "override the Flow API base URL")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "YAML config file (defaults to $FESTIBOX_CONFIG)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "HTTP timeout")

	cmd.AddCommand(NewSignCommand(opts))
	cmd.AddCommand(NewCreateCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))

	return cmd
}

func (o *RootOptions) logger(w io.Writer) zerolog.Logger {
	level := "warn"
	if o.Verbose {
		level = "debug"
	}
	return logging.NewWithWriter(w, "flowctl", level, "console")
}

// loadConfig layers the flags over the config file and the environment.
func (o *RootOptions) loadConfig() (config.Config, error) {
	path := o.ConfigPath
	if path == "" {
		path = strings.TrimSpace(os.Getenv(config.EnvConfigPath))
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if o.Sandbox {
		cfg.Flow.Sandbox = true
	}
	if o.BaseURL != "" {
		cfg.Flow.BaseURL = strings.TrimRight(o.BaseURL, "/")
	}
	return cfg, nil
}

func (o *RootOptions) keys() (apiKey, secretKey string, err error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return "", "", err
	}
	if cfg.Flow.APIKey == "" || cfg.Flow.SecretKey == "" {
		return "", "", errors.New("FLOW_API_KEY and FLOW_SECRET_KEY are required")
	}
	return cfg.Flow.APIKey, cfg.Flow.SecretKey, nil
}

func (o *RootOptions) client(cmd *cobra.Command) (*flow.Client, zerolog.Logger, error) {
	log := o.logger(cmd.ErrOrStderr())
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, log, err
	}
	if err := cfg.Validate(config.RequireFlow); err != nil {
		return nil, log, err
	}
	c, err := flow.New(cfg.Flow.APIKey, cfg.Flow.SecretKey,
		flow.WithBaseURL(cfg.FlowBaseURL()), flow.WithTimeout(o.Timeout))
	if err != nil {
		return nil, log, err
	}
	log.Debug().Str("base_url", c.BaseURL()).Msg("flow client ready")
	return c, log, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
