package connect

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	sesherrors "github.com/seshdev/sesh-cli/pkg/errors"
	"github.com/seshdev/sesh-cli/pkg/slurm"
	"github.com/seshdev/sesh-cli/pkg/sshconn"
	"github.com/seshdev/sesh-cli/pkg/store"
	"github.com/seshdev/sesh-cli/pkg/terminal"
)

var connectExample = `sesh connect mila --job 123456
sesh connect mila --job cn-a001 --command 'hostname'`

func NewCmdConnect(t *terminal.Terminal, fileStore *store.FileStore) *cobra.Command {
	var job string
	var command string
	var cancelOnExit bool

	cmd := &cobra.Command{
		Use:     "connect <cluster> --job <id-or-node>",
		Short:   "attach to one of your running jobs",
		Example: connectExample,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := runConnect(t, fileStore, args[0], job, command, cancelOnExit)
			if err != nil {
				return sesherrors.WrapAndTrace(err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&job, "job", "", "job id or compute-node name to attach to")
	cmd.Flags().StringVar(&command, "command", "", "command to run on the compute node")
	cmd.Flags().BoolVar(&cancelOnExit, "cancel-on-exit", false, "cancel the job when this command finishes")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func runConnect(t *terminal.Terminal, fileStore *store.FileStore, cluster, job, command string, cancelOnExit bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	login, err := sshconn.NewRemoteRunner(ctx, t, sshconn.NewConnManager(t, fileStore), cluster)
	if err != nil {
		return sesherrors.WrapAndTrace(err)
	}

	node, err := slurm.NewAllocator(t).Connect(ctx, login, job)
	if err != nil {
		return sesherrors.WrapAndTrace(err)
	}
	t.Print(t.Green("Attached to job %d on %s.", node.JobID(), node.Hostname()))

	if command != "" {
		if _, err := node.RunContext(ctx, command); err != nil {
			return sesherrors.WrapAndTrace(err)
		}
	}
	if cancelOnExit {
		// Without this flag the job is left running: it belonged to the
		// user before we attached to it.
		if err := node.CloseContext(context.Background()); err != nil {
			return sesherrors.WrapAndTrace(err)
		}
	}
	return nil
}
