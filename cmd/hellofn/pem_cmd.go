package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/hellofn/internal/pemkey"
)

func newPEMCommand() *cobra.Command {
	var raw string
	var fingerprint bool
	cmd := &cobra.Command{
		Use:   "pem",
		Short: "Rebuild an API signing key the way the function does at start-up",
		Long: `Reads a raw OCI_PRIVATE_KEY_CONTENT value (from --key or stdin), rebuilds the
PEM block, validates it and prints the result. With --fingerprint only the
public key fingerprint is printed, for comparison with OCI_FINGERPRINT.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if !cmd.Flags().Changed("key") {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				raw = string(data)
			}
			if strings.TrimSpace(raw) == "" {
				return fmt.Errorf("no key material provided (use --key or stdin)")
			}
			material, err := pemkey.Acquire(raw)
			if err != nil {
				return err
			}
			defer material.Release()
			out := cmd.OutOrStdout()
			if fingerprint {
				_, err := fmt.Fprintln(out, material.Fingerprint())
				return err
			}
			encoded, err := material.PEM()
			if err != nil {
				return err
			}
			_, err = io.WriteString(out, encoded)
			return err
		},
	}
	cmd.Flags().StringVar(&raw, "key", "", "raw key content (defaults to stdin)")
	cmd.Flags().BoolVar(&fingerprint, "fingerprint", false, "print only the public key fingerprint")
	return cmd
}
