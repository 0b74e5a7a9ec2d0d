package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"festibox/shop/internal/flow"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Token string
	Order string
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status of a payment as JSON",
		Long: `Query payment/getStatus by token, or payment/getStatusByCommerceId by
the shop's order id, and print Flow's answer as JSON.

Example:
  flowctl status --token 7C1E3B...
  flowctl status --order ord_0123456789abcdef0123456789abcdef`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Token, "token", "", "Flow payment token")
	cmd.Flags().StringVar(&opts.Order, "order", "", "commerce order id")
	cmd.MarkFlagsMutuallyExclusive("token", "order")

	return cmd
}

type statusOutput struct {
	flow.PaymentStatus
	StatusName string `json:"status_name"`
}

func runStatus(cmd *cobra.Command, opts *StatusOptions) error {
	if opts.Token == "" && opts.Order == "" {
		return errors.New("one of --token or --order is required")
	}
	client, log, err := opts.client(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	var st flow.PaymentStatus
	if opts.Token != "" {
		log.Debug().Str("token", opts.Token).Msg("payment/getStatus")
		st, err = client.PaymentStatus(ctx, opts.Token)
	} else {
		log.Debug().Str("commerce_order", opts.Order).Msg("payment/getStatusByCommerceId")
		st, err = client.PaymentStatusByCommerceID(ctx, opts.Order)
	}
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), statusOutput{PaymentStatus: st, StatusName: st.Status.String()})
}
