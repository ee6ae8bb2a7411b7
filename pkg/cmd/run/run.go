package run

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	sesherrors "github.com/seshdev/sesh-cli/pkg/errors"
	"github.com/seshdev/sesh-cli/pkg/runner"
	"github.com/seshdev/sesh-cli/pkg/sshconn"
	"github.com/seshdev/sesh-cli/pkg/store"
	"github.com/seshdev/sesh-cli/pkg/tasks"
	"github.com/seshdev/sesh-cli/pkg/terminal"
)

var runExample = `sesh run --cluster mila -- hostname
sesh run --cluster mila --cluster narval -- df -h $HOME`

func NewCmdRun(t *terminal.Terminal, fileStore *store.FileStore) *cobra.Command {
	var clusters []string
	var maxWorkers int

	cmd := &cobra.Command{
		Use:     "run --cluster <host> [--cluster <host>...] -- <command>",
		Short:   "run one command on several clusters at once",
		Example: runExample,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := runOnClusters(t, fileStore, clusters, strings.Join(args, " "), maxWorkers)
			if err != nil {
				return sesherrors.WrapAndTrace(err)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&clusters, "cluster", nil, "cluster to run on (repeatable)")
	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "bound on concurrent clusters (0 = all at once)")
	_ = cmd.MarkFlagRequired("cluster")
	return cmd
}

type clusterResult struct {
	cluster string
	output  string
}

func runOnClusters(t *terminal.Terminal, fileStore *store.FileStore, clusters []string, command string, maxWorkers int) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := sshconn.NewConnManager(t, fileStore)
	taskFns := make([]tasks.TaskFn[clusterResult], 0, len(clusters))
	for _, cluster := range clusters {
		taskFns = append(taskFns, func(taskCtx context.Context, report tasks.ReportFn) (clusterResult, error) {
			report(0, 2, fmt.Sprintf("connecting to %s", cluster))
			login, err := sshconn.NewRemoteRunner(taskCtx, t, manager, cluster)
			if err != nil {
				return clusterResult{cluster: cluster}, sesherrors.WrapAndTrace(err)
			}
			report(1, 2, fmt.Sprintf("running on %s", cluster))
			output, err := runner.OutputContext(taskCtx, login, command)
			if err != nil {
				return clusterResult{cluster: cluster}, sesherrors.WrapAndTrace(err)
			}
			report(2, 2, "done")
			return clusterResult{cluster: cluster, output: output}, nil
		})
	}

	results, err := tasks.RunParallel(ctx, t, taskFns, tasks.Options{
		MaxWorkers:  maxWorkers,
		Description: fmt.Sprintf("Running on %d clusters", len(clusters)),
	})
	for _, result := range results {
		if result.output == "" {
			continue
		}
		t.Print(t.Blue("=== %s", result.cluster))
		t.Print(result.output)
	}
	if err != nil {
		return sesherrors.WrapAndTrace(err)
	}
	return nil
}
