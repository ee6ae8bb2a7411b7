package alloc

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/seshdev/sesh-cli/pkg/config"
	sesherrors "github.com/seshdev/sesh-cli/pkg/errors"
	"github.com/seshdev/sesh-cli/pkg/slurm"
	"github.com/seshdev/sesh-cli/pkg/sshconn"
	"github.com/seshdev/sesh-cli/pkg/store"
	"github.com/seshdev/sesh-cli/pkg/terminal"
)

var allocExample = `sesh alloc mila
sesh alloc mila --command 'nvidia-smi'
sesh alloc narval --persist -- --gres=gpu:1 --mem=16G`

func NewCmdAlloc(t *terminal.Terminal, fileStore *store.FileStore) *cobra.Command {
	var batch bool
	var jobName string
	var uniqueName bool
	var command string

	cmd := &cobra.Command{
		Use:     "alloc <cluster> [-- <scheduler flags>]",
		Short:   "allocate a compute node and run commands on it",
		Example: allocExample,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := runAlloc(t, fileStore, args[0], args[1:], batch, jobName, uniqueName, command)
			if err != nil {
				return sesherrors.WrapAndTrace(err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&batch, "persist", false, "submit with sbatch so the job survives this process")
	cmd.Flags().StringVar(&jobName, "job-name", "", "scheduler job name (defaults to the cli's job name)")
	cmd.Flags().BoolVar(&uniqueName, "unique-name", false, "suffix the job name so it cannot collide")
	cmd.Flags().StringVar(&command, "command", "", "command to run on the compute node once allocated")
	return cmd
}

func runAlloc(t *terminal.Terminal, fileStore *store.FileStore, cluster string, schedFlags []string, batch bool, jobName string, uniqueName bool, command string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	login, err := sshconn.NewRemoteRunner(ctx, t, sshconn.NewConnManager(t, fileStore), cluster)
	if err != nil {
		return sesherrors.WrapAndTrace(err)
	}

	if jobName == "" {
		jobName = config.GlobalConfig.GetDefaultJobName()
	}
	if uniqueName {
		jobName = fmt.Sprintf("%s-%s", jobName, uuid.NewString()[:8])
	}

	allocator := slurm.NewAllocator(t)
	var node *slurm.ComputeNode
	if batch {
		node, err = allocator.Sbatch(ctx, login, schedFlags, jobName)
	} else {
		node, err = allocator.Salloc(ctx, login, schedFlags, jobName)
	}
	if err != nil {
		return sesherrors.WrapAndTrace(err)
	}

	t.Print(t.Green("Job %d is running on %s.", node.JobID(), node.Hostname()))
	if command != "" {
		if _, err := node.RunContext(ctx, command); err != nil {
			closeErr := node.CloseContext(context.Background())
			if closeErr != nil {
				t.Errprint(closeErr, "")
			}
			return sesherrors.WrapAndTrace(err)
		}
	}

	if batch {
		// A batch job keeps running; tell the user how to get back to it.
		t.Print(t.Yellow("The job keeps running; reconnect with `sesh connect %s --job %d` and cancel it with `scancel %d` when done.", cluster, node.JobID(), node.JobID()))
		return nil
	}
	if err := node.CloseContext(context.Background()); err != nil {
		return sesherrors.WrapAndTrace(err)
	}
	return nil
}
