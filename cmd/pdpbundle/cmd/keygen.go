package cmd

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cordum/pdpsync/core/pdp/bundle"
)

func newKeygenCmd() *cobra.Command {
	var prefix string
	var force bool
	c := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 key pair for bundle signing",
		Long: `Generate an Ed25519 key pair. The private key is written to <prefix>.pem
and the public key to <prefix>.pub, both PEM encoded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			privPath, pubPath := prefix+".pem", prefix+".pub"
			if !force {
				for _, p := range []string{privPath, pubPath} {
					if _, err := os.Stat(p); err == nil {
						return fmt.Errorf("%s already exists (use --force to overwrite)", p)
					}
				}
			}
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			privPEM, err := bundle.EncodePrivateKeyPEM(priv)
			if err != nil {
				return err
			}
			pubPEM, err := bundle.EncodePublicKeyPEM(pub)
			if err != nil {
				return err
			}
			if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
				return err
			}
			if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Generated Ed25519 key pair:")
			fmt.Fprint(out, "  Private key: ")
			keyColor.Fprintln(out, privPath)
			fmt.Fprint(out, "  Public key:  ")
			keyColor.Fprintln(out, pubPath)
			return nil
		},
	}
	c.Flags().StringVarP(&prefix, "output", "o", "", "output file prefix")
	c.Flags().BoolVar(&force, "force", false, "overwrite existing key files")
	_ = c.MarkFlagRequired("output")
	return c
}
