package quota

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	sesherrors "github.com/seshdev/sesh-cli/pkg/errors"
	"github.com/seshdev/sesh-cli/pkg/runner"
	"github.com/seshdev/sesh-cli/pkg/sshconn"
	"github.com/seshdev/sesh-cli/pkg/store"
	"github.com/seshdev/sesh-cli/pkg/terminal"
)

func NewCmdQuota(t *terminal.Terminal, fileStore *store.FileStore) *cobra.Command {
	var cluster string

	cmd := &cobra.Command{
		Use:   "quota --cluster <host>",
		Short: "report disk quota usage on a cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := runQuota(t, fileStore, cluster)
			if err != nil {
				return sesherrors.WrapAndTrace(err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cluster, "cluster", "", "cluster to query")
	_ = cmd.MarkFlagRequired("cluster")
	return cmd
}

func runQuota(t *terminal.Terminal, fileStore *store.FileStore, cluster string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := sshconn.NewConnManager(t, fileStore)
	login, err := sshconn.NewRemoteRunner(ctx, t, manager, cluster)
	if err != nil {
		return sesherrors.WrapAndTrace(err)
	}
	output, err := runner.OutputContext(ctx, login, "disk-quota")
	if err != nil {
		return sesherrors.WrapAndTrace(err)
	}
	t.Print(output)
	return nil
}
