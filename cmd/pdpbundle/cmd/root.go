// Package cmd implements the pdpbundle CLI commands.
package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cordum/pdpsync/core/infra/buildinfo"
)

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	warnColor = color.New(color.FgYellow, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	keyColor  = color.New(color.FgCyan)
)

// NewRootCmd builds a fresh command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pdpbundle",
		Short: "Create, sign and inspect PDP policy bundles",
		Long: `pdpbundle builds and signs the policy bundles served to PDP instances,
and reports the load status of running instances.

Examples:
  pdpbundle keygen -o signing
  pdpbundle create -i policies/ -o prod.saplbundle -k signing.pem --key-id prod
  pdpbundle verify -b prod.saplbundle -k signing.pub
  pdpbundle status --server http://localhost:8090`,
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newCreateCmd(),
		newSignCmd(),
		newVerifyCmd(),
		newInspectCmd(),
		newKeygenCmd(),
		newStatusCmd(),
		newWatchCmd(),
	)
	return root
}
