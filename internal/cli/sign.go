package cli

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"festibox/shop/internal/flow"
)

// NewSignCommand creates the sign command.
func NewSignCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sign key=value...",
		Short: "Sign Flow API parameters",
		Long: `Sign Flow API parameters the way the gateway expects and print each step:
the sorted keys, the concatenated string that is hashed, the signature and
the final form body. apiKey is added from the configured keys.

Example:
  flowctl sign commerceOrder=ord_123 amount=24990 currency=CLP`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args)
			if err != nil {
				return err
			}
			apiKey, secretKey, err := rootOpts.keys()
			if err != nil {
				return err
			}
			signed := flow.Signed(params, apiKey, secretKey)

			keys := make([]string, 0, len(signed))
			for k := range signed {
				if k != flow.SignatureParam {
					keys = append(keys, k)
				}
			}
			sort.Strings(keys)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "keys:      %s\n", strings.Join(keys, " "))
			fmt.Fprintf(out, "string:    %s\n", flow.SigningString(signed))
			fmt.Fprintf(out, "signature: %s\n", signed.Get(flow.SignatureParam))
			fmt.Fprintf(out, "body:      %s\n", signed.Encode())
			return nil
		},
	}
}

func parseParams(args []string) (url.Values, error) {
	params := url.Values{}
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid parameter %q: want key=value", arg)
		}
		if k == flow.SignatureParam {
			return nil, fmt.Errorf("parameter %q is reserved for the signature", k)
		}
		params.Set(k, v)
	}
	return params, nil
}
