package cmd

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cordum/pdpsync/core/pdp/bundle"
	"github.com/cordum/pdpsync/core/pdp/configuration"
)

const defaultKeyID = "default"

func newCreateCmd() *cobra.Command {
	var input, output, keyFile, keyID string
	var validity time.Duration
	c := &cobra.Command{
		Use:   "create",
		Short: "Create a policy bundle from a directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info, err := os.Stat(input)
			if err != nil || !info.IsDir() {
				return fmt.Errorf("not a directory: %s", input)
			}
			b := bundle.NewBuilder()
			// #nosec G304 -- input directory is operator-provided.
			pdpJSON, err := os.ReadFile(filepath.Join(input, configuration.PdpJSON))
			switch {
			case err == nil:
				b.WithPdpJSON(string(pdpJSON))
			case os.IsNotExist(err):
				return fmt.Errorf("%s not found in %s", configuration.PdpJSON, input)
			default:
				return err
			}
			policies, err := addPolicies(b, input)
			if err != nil {
				return err
			}
			if policies == 0 {
				return fmt.Errorf("no %s files found in %s", configuration.PolicyExtension, input)
			}
			if keyFile != "" {
				key, err := readPrivateKey(keyFile)
				if err != nil {
					return err
				}
				b.SignWith(key, keyID).WithValidity(validity)
			}
			data, err := b.Build()
			if err != nil {
				return fmt.Errorf("create bundle: %w", err)
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if keyFile != "" {
				fmt.Fprintf(out, "Created signed bundle: %s (%d policies, key-id: %s)\n", output, policies, keyID)
			} else {
				fmt.Fprintf(out, "Created bundle: %s (%d policies)\n", output, policies)
			}
			return nil
		},
	}
	c.Flags().StringVarP(&input, "input", "i", "", "input directory containing pdp.json and policies")
	c.Flags().StringVarP(&output, "output", "o", "", "output bundle file")
	c.Flags().StringVarP(&keyFile, "key", "k", "", "Ed25519 private key file for signing")
	c.Flags().StringVar(&keyID, "key-id", defaultKeyID, "key identifier recorded in the manifest")
	c.Flags().DurationVar(&validity, "validity", 0, "signature lifetime; 0 never expires")
	_ = c.MarkFlagRequired("input")
	_ = c.MarkFlagRequired("output")
	return c
}

func addPolicies(b *bundle.Builder, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), configuration.PolicyExtension) {
			continue
		}
		// #nosec G304 -- policy files live in the operator-provided directory.
		content, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return 0, err
		}
		b.WithPolicy(e.Name(), string(content))
		n++
	}
	return n, nil
}

func newSignCmd() *cobra.Command {
	var bundleFile, keyFile, keyID, output string
	var validity time.Duration
	c := &cobra.Command{
		Use:   "sign",
		Short: "Sign a policy bundle, replacing any existing signature",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := readFile("bundle", bundleFile)
			if err != nil {
				return err
			}
			key, err := readPrivateKey(keyFile)
			if err != nil {
				return err
			}
			signed, err := bundle.Resign(data, key, keyID, validity)
			if err != nil {
				return fmt.Errorf("sign bundle: %w", err)
			}
			target := output
			if target == "" {
				target = bundleFile
			}
			if err := os.WriteFile(target, signed, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed bundle: %s (key-id: %s)\n", target, keyID)
			return nil
		},
	}
	c.Flags().StringVarP(&bundleFile, "bundle", "b", "", "bundle file to sign")
	c.Flags().StringVarP(&keyFile, "key", "k", "", "Ed25519 private key file")
	c.Flags().StringVar(&keyID, "key-id", defaultKeyID, "key identifier recorded in the manifest")
	c.Flags().StringVarP(&output, "output", "o", "", "output file (default: overwrite the input)")
	c.Flags().DurationVar(&validity, "validity", 0, "signature lifetime; 0 never expires")
	_ = c.MarkFlagRequired("bundle")
	_ = c.MarkFlagRequired("key")
	return c
}

func newVerifyCmd() *cobra.Command {
	var bundleFile, keyFile string
	c := &cobra.Command{
		Use:   "verify",
		Short: "Verify a signed policy bundle against a public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := readFile("bundle", bundleFile)
			if err != nil {
				return err
			}
			raw, err := readFile("key", keyFile)
			if err != nil {
				return err
			}
			key, err := bundle.ParsePublicKey(raw)
			if err != nil {
				return err
			}
			if err := bundle.Verify(data, key); err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}
			info, err := bundle.Inspect(data)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			okColor.Fprintln(out, "Verification successful")
			fmt.Fprintf(out, "  Key ID: %s\n", info.KeyID)
			fmt.Fprintf(out, "  Created: %s\n", info.Created)
			if info.Expires != "" {
				fmt.Fprintf(out, "  Expires: %s\n", info.Expires)
			}
			fmt.Fprintf(out, "  Files verified: %d\n", info.CoveredFiles)
			return nil
		},
	}
	c.Flags().StringVarP(&bundleFile, "bundle", "b", "", "bundle file to verify")
	c.Flags().StringVarP(&keyFile, "key", "k", "", "Ed25519 public key file")
	_ = c.MarkFlagRequired("bundle")
	_ = c.MarkFlagRequired("key")
	return c
}

func newInspectCmd() *cobra.Command {
	var bundleFile string
	c := &cobra.Command{
		Use:   "inspect",
		Short: "Show bundle contents and metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := readFile("bundle", bundleFile)
			if err != nil {
				return err
			}
			info, err := bundle.Inspect(data)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Bundle: %s\n\n", filepath.Base(bundleFile))
			fmt.Fprintln(out, "Signature:")
			if info.Signed {
				fmt.Fprint(out, "  Status: ")
				okColor.Fprintln(out, "SIGNED")
				fmt.Fprintf(out, "  Algorithm: %s\n", info.SignatureAlgorithm)
				fmt.Fprintf(out, "  Key ID: %s\n", info.KeyID)
				fmt.Fprintf(out, "  Created: %s\n", info.Created)
				if info.Expires != "" {
					fmt.Fprintf(out, "  Expires: %s\n", info.Expires)
				}
			} else {
				fmt.Fprint(out, "  Status: ")
				warnColor.Fprintln(out, "UNSIGNED")
			}
			fmt.Fprintln(out)
			if info.HasPdpJSON {
				fmt.Fprintf(out, "Configuration (%s):\n", configuration.PdpJSON)
				pretty := bytes.TrimSpace(info.PdpJSON)
				var buf bytes.Buffer
				if json.Indent(&buf, pretty, "", "  ") == nil {
					pretty = buf.Bytes()
				}
				for _, line := range strings.Split(string(pretty), "\n") {
					fmt.Fprintf(out, "  %s\n", line)
				}
			} else {
				fmt.Fprintln(out, "Configuration: (none)")
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Policies:")
			if len(info.Documents) == 0 {
				fmt.Fprintln(out, "  (none)")
			}
			for _, name := range info.Documents {
				fmt.Fprintf(out, "  - %s (%d bytes)\n", name, info.DocumentSizes[name])
			}
			return nil
		},
	}
	c.Flags().StringVarP(&bundleFile, "bundle", "b", "", "bundle file to inspect")
	_ = c.MarkFlagRequired("bundle")
	return c
}

func readFile(what, path string) ([]byte, error) {
	// #nosec G304 -- path is operator-provided.
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s not found: %s", what, path)
	}
	return data, err
}

func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := readFile("key", path)
	if err != nil {
		return nil, err
	}
	return bundle.ParsePrivateKey(raw)
}
