package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/xiaoruiguo/crowbar-core/internal/client"
	"github.com/xiaoruiguo/crowbar-core/internal/model"
)

const defaultURL = "http://localhost:3000"

type options struct {
	url     string
	timeout time.Duration
}

func (o *options) client() *client.APIClient {
	return client.NewAPIClient(o.url, o.timeout)
}

// call runs fn against the coordinator and prints its result as JSON
func call(out io.Writer, opts *options, fn func(ctx context.Context, c *client.APIClient) (interface{}, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		result, err := fn(cmd.Context(), opts.client())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}

	url := os.Getenv("UPGRADE_URL")
	if url == "" {
		url = defaultURL
	}

	root := &cobra.Command{
		Use:           "upgradectl",
		Short:         "Drive a cluster upgrade through the coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.url, "url", url, "coordinator base URL (env UPGRADE_URL)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "request timeout, 0 waits for the operation to finish")

	root.AddCommand(
		simpleCmd(out, opts, "get-status", "Show the upgrade phase and check results",
			func(ctx context.Context, c *client.APIClient) (interface{}, error) { return c.Status(ctx) }),
		simpleCmd(out, opts, "run-prechecks", "Run every upgrade precheck",
			func(ctx context.Context, c *client.APIClient) (interface{}, error) { return c.Prechecks(ctx) }),
		simpleCmd(out, opts, "prepare", "Run prechecks and prepare every node",
			func(ctx context.Context, c *client.APIClient) (interface{}, error) { return c.Prepare(ctx) }),
		simpleCmd(out, opts, "stop-services", "Stop the upgrade-affected services on every node",
			func(ctx context.Context, c *client.APIClient) (interface{}, error) { return c.StopServices(ctx) }),
		simpleCmd(out, opts, "upgrade-nodes", "Upgrade the packages of every node",
			func(ctx context.Context, c *client.APIClient) (interface{}, error) { return c.UpgradeNodes(ctx) }),
		simpleCmd(out, opts, "finalize", "Complete the upgrade",
			func(ctx context.Context, c *client.APIClient) (interface{}, error) { return c.Finalize(ctx) }),
		simpleCmd(out, opts, "cancel", "Revert node preparation and return to idle",
			func(ctx context.Context, c *client.APIClient) (interface{}, error) { return c.Cancel(ctx) }),
		simpleCmd(out, opts, "check-admin-repos", "Check the repositories required by the admin server",
			func(ctx context.Context, c *client.APIClient) (interface{}, error) { return c.AdminRepoCheck(ctx) }),
		simpleCmd(out, opts, "check-node-repos", "Check the repositories required by the cluster nodes",
			func(ctx context.Context, c *client.APIClient) (interface{}, error) { return c.NodeRepoCheck(ctx) }),
		simpleCmd(out, opts, "list-restarts", "List the services waiting for a restart",
			func(ctx context.Context, c *client.APIClient) (interface{}, error) { return c.ListRestarts(ctx) }),
		newClearRestartsCmd(out, opts),
		simpleCmd(out, opts, "get-restart-policy", "Show which cookbooks have restarts disallowed",
			func(ctx context.Context, c *client.APIClient) (interface{}, error) { return c.GetPolicy(ctx) }),
		newSetRestartPolicyCmd(out, opts),
	)
	return root
}

func simpleCmd(out io.Writer, opts *options, use, short string, fn func(ctx context.Context, c *client.APIClient) (interface{}, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE:  call(out, opts, fn),
	}
}

func newClearRestartsCmd(out io.Writer, opts *options) *cobra.Command {
	var req model.ClearRestartsRequest

	cmd := &cobra.Command{
		Use:   "clear-restarts",
		Short: "Clear pending restart flags of a node, cookbook or service",
		Args:  cobra.NoArgs,
		RunE: call(out, opts, func(ctx context.Context, c *client.APIClient) (interface{}, error) {
			if err := c.ClearRestarts(ctx, req); err != nil {
				return nil, err
			}
			return map[string]string{"status": "ok"}, nil
		}),
	}
	cmd.Flags().StringVar(&req.Node, "node", "", "node name or alias")
	cmd.Flags().StringVar(&req.Cookbook, "cookbook", "", "limit the clear to one cookbook")
	cmd.Flags().StringVar(&req.Service, "service", "", "limit the clear to one service of the cookbook")
	_ = cmd.MarkFlagRequired("node")
	return cmd
}

func newSetRestartPolicyCmd(out io.Writer, opts *options) *cobra.Command {
	var (
		cookbook string
		disallow bool
	)

	cmd := &cobra.Command{
		Use:   "set-restart-policy",
		Short: "Allow or disallow automatic restarts for a cookbook",
		Args:  cobra.NoArgs,
		RunE: call(out, opts, func(ctx context.Context, c *client.APIClient) (interface{}, error) {
			return c.SetPolicy(ctx, cookbook, disallow)
		}),
	}
	cmd.Flags().StringVar(&cookbook, "cookbook", "", "cookbook name")
	cmd.Flags().BoolVar(&disallow, "disallow", false, "disallow automatic restarts")
	_ = cmd.MarkFlagRequired("cookbook")
	_ = cmd.MarkFlagRequired("disallow")
	return cmd
}
