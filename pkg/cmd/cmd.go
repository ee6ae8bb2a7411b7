// Package cmd is the entrypoint to cli
package cmd

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/seshdev/sesh-cli/pkg/cmd/alloc"
	"github.com/seshdev/sesh-cli/pkg/cmd/cmderrors"
	"github.com/seshdev/sesh-cli/pkg/cmd/connect"
	"github.com/seshdev/sesh-cli/pkg/cmd/quota"
	"github.com/seshdev/sesh-cli/pkg/cmd/run"
	"github.com/seshdev/sesh-cli/pkg/cmd/version"
	"github.com/seshdev/sesh-cli/pkg/config"
	"github.com/seshdev/sesh-cli/pkg/featureflag"
	"github.com/seshdev/sesh-cli/pkg/store"
	"github.com/seshdev/sesh-cli/pkg/terminal"
)

func NewDefaultSeshCommand() *cobra.Command {
	cmd := NewSeshCommand(os.Stdin, os.Stdout, os.Stderr)
	return cmd
}

func NewSeshCommand(in io.Reader, out io.Writer, err io.Writer) *cobra.Command {
	t := terminal.New()
	fileStore := store.NewFileStore()

	if ffErr := featureflag.LoadFeatureFlags(config.GlobalConfig.GetConfigDir()); ffErr != nil {
		logrus.Debugf("unable to load feature flags: %v", ffErr)
	}

	cmds := &cobra.Command{
		Use:   "sesh",
		Short: "sesh client for reusable ssh sessions and compute-node jobs",
		Long: `
      sesh keeps one authenticated, multiplexed SSH channel per cluster and
      manages scheduler-allocated compute jobs behind a uniform
      command-execution interface.`,
		Run: runHelp,
		// failures are displayed by cmderrors with their directive
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmds.AddCommand(alloc.NewCmdAlloc(t, fileStore))
	cmds.AddCommand(connect.NewCmdConnect(t, fileStore))
	cmds.AddCommand(run.NewCmdRun(t, fileStore))
	cmds.AddCommand(quota.NewCmdQuota(t, fileStore))
	cmds.AddCommand(version.NewCmdVersion())

	for _, child := range cmds.Commands() {
		if child.RunE != nil {
			child.RunE = cmderrors.WrapRunE(t, child.Name(), child.RunE)
		}
	}

	return cmds
}

func runHelp(cmd *cobra.Command, _ []string) {
	cmd.Help()
}
