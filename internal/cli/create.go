package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"festibox/shop/internal/flow"
)

// CreateOptions holds flags for the create command.
type CreateOptions struct {
	*RootOptions
	Order         string
	Amount        int64
	Email         string
	Subject       string
	Currency      string
	PaymentMethod int
	ConfirmURL    string
	ReturnURL     string
	JSON          bool
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CreateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a payment order and print the redirect URL",
		Long: `Create a payment order with payment/create and print where the payer
should be sent. Callback URLs default to the shop API URL from the config.

Example:
  flowctl create --sandbox --order test-001 --amount 1000 --email yo@example.com`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Order, "order", "", "commerce order id (required)")
	cmd.Flags().Int64Var(&opts.Amount, "amount", 0, "amount in whole pesos (required)")
	cmd.Flags().StringVar(&opts.Email, "email", "", "payer email (required)")
	cmd.Flags().StringVar(&opts.Subject, "subject", "", "payment subject (defaults to \"FestiBox pedido <order>\")")
	cmd.Flags().StringVar(&opts.Currency, "currency", "CLP", "currency code")
	cmd.Flags().IntVar(&opts.PaymentMethod, "payment-method", flow.PaymentMethodAll, "Flow payment method id")
	cmd.Flags().StringVar(&opts.ConfirmURL, "confirm-url", "", "urlConfirmation (defaults to <api_url>/v1/payments/flow/confirm)")
	cmd.Flags().StringVar(&opts.ReturnURL, "return-url", "", "urlReturn (defaults to <api_url>/v1/payments/flow/return)")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print the full response as JSON")
	_ = cmd.MarkFlagRequired("order")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func runCreate(cmd *cobra.Command, opts *CreateOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	client, log, err := opts.client(cmd)
	if err != nil {
		return err
	}

	req := flow.PaymentRequest{
		CommerceOrder:   opts.Order,
		Subject:         opts.Subject,
		Currency:        opts.Currency,
		Amount:          opts.Amount,
		Email:           opts.Email,
		PaymentMethod:   opts.PaymentMethod,
		URLConfirmation: opts.ConfirmURL,
		URLReturn:       opts.ReturnURL,
	}
	if req.Subject == "" {
		req.Subject = "FestiBox pedido " + opts.Order
	}
	if req.URLConfirmation == "" {
		req.URLConfirmation = cfg.Shop.APIURL + "/v1/payments/flow/confirm"
	}
	if req.URLReturn == "" {
		req.URLReturn = cfg.Shop.APIURL + "/v1/payments/flow/return"
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()
	log.Debug().Str("commerce_order", req.CommerceOrder).Int64("amount", req.Amount).Msg("payment/create")
	po, err := client.CreatePayment(ctx, req)
	if err != nil {
		return err
	}
	log.Debug().Str("token", po.Token).Int64("flow_order", po.FlowOrder).Msg("payment created")

	if opts.JSON {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"token":        po.Token,
			"flow_order":   po.FlowOrder,
			"redirect_url": po.RedirectURL(),
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), po.RedirectURL())
	return nil
}
