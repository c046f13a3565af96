package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/matheus3301/chatmirror/internal/api"
	"github.com/matheus3301/chatmirror/internal/instance"
	"github.com/matheus3301/chatmirror/internal/lock"
	"github.com/spf13/cobra"
)

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.call(func(ctx context.Context, c *api.Client) error {
				resp, err := c.Call(ctx, "GetStatus", nil)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.json, resp, printStatus)
			})
		},
	}
}

func newPullCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Manage subscription pulls",
	}

	var platform string
	start := &cobra.Command{
		Use:   "start <endpoint> <subscription>",
		Short: "Start pulling a subscription",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"endpoint": args[0], "subscription": args[1]}
			if platform != "" {
				req["platform"] = platform
			}
			return pullCall(cmd, opts, "StartPull", req)
		},
	}
	start.Flags().StringVar(&platform, "platform", "", "platform of an unconfigured subscription (teams, slack)")

	stop := &cobra.Command{
		Use:   "stop <endpoint> <subscription>",
		Short: "Stop pulling a subscription",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return pullCall(cmd, opts, "StopPull", map[string]any{"endpoint": args[0], "subscription": args[1]})
		},
	}

	status := &cobra.Command{
		Use:   "status <endpoint> <subscription>",
		Short: "Check a subscription's pull status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return pullCall(cmd, opts, "CheckPullStatus", map[string]any{"endpoint": args[0], "subscription": args[1]})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List pulls known to the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.call(func(ctx context.Context, c *api.Client) error {
				resp, err := c.Call(ctx, "ListPulls", nil)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.json, resp, printPulls)
			})
		},
	}

	cmd.AddCommand(start, stop, status, listCmd)
	return cmd
}

func pullCall(cmd *cobra.Command, opts *options, method string, req map[string]any) error {
	return opts.call(func(ctx context.Context, c *api.Client) error {
		resp, err := c.Call(ctx, method, req)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), opts.json, resp, printPull)
	})
}

func newBackfillCmd(opts *options) *cobra.Command {
	var wait string
	cmd := &cobra.Command{
		Use:   "backfill <platform> <conversation-id>",
		Short: "Backfill a conversation's full history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"platform": args[0], "conversation_id": args[1]}
			if wait != "" {
				req["wait"] = wait
			}
			return opts.call(func(ctx context.Context, c *api.Client) error {
				resp, err := c.Call(ctx, "BackfillConversation", req)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.json, resp, printBackfill)
			})
		},
	}
	cmd.Flags().StringVar(&wait, "wait", "", "how long the daemon waits for the result, e.g. 5m")
	return cmd
}

func newMessageCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Inspect projected messages",
	}
	get := &cobra.Command{
		Use:   "get <platform> <conversation-id> <message-id>",
		Short: "Show a message record and its revisions",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(func(ctx context.Context, c *api.Client) error {
				resp, err := c.Call(ctx, "GetMessage", map[string]any{
					"platform": args[0], "conversation_id": args[1], "message_id": args[2],
				})
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.json, resp, printMessage)
			})
		},
	}
	cmd.AddCommand(get)
	return cmd
}

func newTimelineCmd(opts *options) *cobra.Command {
	var (
		deleted  bool
		from, to string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "timeline <platform> <conversation-id> <handle>",
		Short: "List a sender's messages in a conversation by creation time",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{
				"platform": args[0], "conversation_id": args[1], "handle": args[2],
				"deleted": deleted, "limit": limit,
			}
			if from != "" {
				req["from"] = from
			}
			if to != "" {
				req["to"] = to
			}
			return opts.call(func(ctx context.Context, c *api.Client) error {
				resp, err := c.Call(ctx, "ListTimeline", req)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.json, resp, printTimeline)
			})
		},
	}
	cmd.Flags().BoolVar(&deleted, "deleted", false, "list the deleted index instead of the active one")
	cmd.Flags().StringVar(&from, "from", "", "RFC 3339 lower bound")
	cmd.Flags().StringVar(&to, "to", "", "RFC 3339 upper bound")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries; 0 for all")
	return cmd
}

func newHandleCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handle",
		Short: "Manage the sender directory",
	}
	var displayName string
	set := &cobra.Command{
		Use:   "set <platform> <sender-id> <handle>",
		Short: "Map a platform sender to a directory handle",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(func(ctx context.Context, c *api.Client) error {
				resp, err := c.Call(ctx, "UpsertHandle", map[string]any{
					"platform": args[0], "sender_id": args[1], "handle": args[2], "display_name": displayName,
				})
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.json, resp, func(w io.Writer, _ map[string]any) {
					fmt.Fprintf(w, "%s/%s -> %s\n", args[0], args[1], args[2])
				})
			})
		},
	}
	set.Flags().StringVar(&displayName, "display-name", "", "human readable name")
	cmd.AddCommand(set)
	return cmd
}

func newWatchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [namespace]",
		Short: "Stream daemon events, optionally filtered by kind prefix (pull., projector., backfill.)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			namespace := ""
			if len(args) == 1 {
				namespace = args[0]
			}
			name := instance.Resolve(opts.instance)
			if err := instance.ValidateName(name); err != nil {
				return err
			}
			c, err := api.Dial(instance.SocketPath(name))
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err = c.Watch(ctx, namespace, func(evt map[string]any) error {
				return render(cmd.OutOrStdout(), opts.json, evt, printEvent)
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

func newInstancesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "Inspect local instances",
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List instance directories and whether a daemon holds them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			items, err := listInstances()
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.json, map[string]any{"instances": items}, printInstances)
		},
	}
	cmd.AddCommand(listCmd)
	return cmd
}

func listInstances() ([]any, error) {
	entries, err := os.ReadDir(filepath.Join(instance.BaseDir(), "instances"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []any
	for _, e := range entries {
		if !e.IsDir() || instance.ValidateName(e.Name()) != nil {
			continue
		}
		pid, err := lock.Holder(instance.LockDir(e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, map[string]any{
			"name":    e.Name(),
			"path":    instance.Dir(e.Name()),
			"running": pid != 0,
			"pid":     pid,
		})
	}
	return out, nil
}
