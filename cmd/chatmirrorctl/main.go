package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/chatmirror/internal/api"
	"github.com/matheus3301/chatmirror/internal/instance"
	"github.com/spf13/cobra"
)

type options struct {
	instance string
	json     bool
	timeout  time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "chatmirrorctl",
		Short:         "Control a running chatmirrord instance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.instance, "instance", "", "instance name (overrides config default)")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "output in JSON format")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newStatusCmd(opts),
		newPullCmd(opts),
		newBackfillCmd(opts),
		newMessageCmd(opts),
		newTimelineCmd(opts),
		newHandleCmd(opts),
		newWatchCmd(opts),
		newInstancesCmd(opts),
	)
	return root
}

// call connects to the instance daemon and runs fn with a bounded context.
func (o *options) call(fn func(ctx context.Context, c *api.Client) error) error {
	name := instance.Resolve(o.instance)
	if err := instance.ValidateName(name); err != nil {
		return err
	}
	c, err := api.Dial(instance.SocketPath(name))
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for instance %q: %w", name, err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	return fn(ctx, c)
}
