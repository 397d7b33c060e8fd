package main

import (
	"fmt"
	"io"
	"os"

	"bridge-svc/config"
	"bridge-svc/signature"

	"github.com/spf13/cobra"
)

func signCmd(configPath *string) *cobra.Command {
	var canonical bool

	cmd := &cobra.Command{
		Use:   "sign [file|-]",
		Short: "Print the SBPay HMAC signature of a JSON payload",
		Long: `Signs a JSON body the way the bridge verifies inbound SBPay requests:
the top-level "signature" field is dropped and the rest is compacted in
received key order. Reads stdin when no file or "-" is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.SBPay.WebhookSecret == "" {
				return fmt.Errorf("SBPAY_WEBHOOK_SECRET or SBPAY_SECRET is required")
			}

			body, err := readPayload(cmd, args)
			if err != nil {
				return err
			}

			if canonical {
				c, err := signature.Canonicalize(body)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.ErrOrStderr(), string(c))
			}

			sig, err := signature.NewCodec(cfg.SBPay.WebhookSecret).SignBody(body)
			if err != nil {
				return fmt.Errorf("failed to sign payload: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), sig)
			return nil
		},
	}

	cmd.Flags().BoolVar(&canonical, "canonical", false, "Also print the canonical form that is signed to stderr")
	return cmd
}

func readPayload(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(args[0])
}
