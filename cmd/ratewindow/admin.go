package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/toolink/ratewindow/cluster"
	"github.com/toolink/ratewindow/limiter"
)

type pairFlags struct {
	client   string
	endpoint string
}

func (p *pairFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.client, "client", "", "client identifier, e.g. user:42 or ip:10.0.0.1")
	cmd.Flags().StringVar(&p.endpoint, "endpoint", "", "endpoint identifier")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("endpoint")
}

// withLimiter opens the configured store for the duration of fn.
func withLimiter(ctx context.Context, root *rootOptions, fn func(*limiter.RateLimiter) error) error {
	rl, b, broker, err := newLimiter(ctx, root.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if broker != nil {
			_ = broker.Close()
		}
		_ = b.Close(context.WithoutCancel(ctx))
	}()
	return fn(rl)
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	var p pairFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current window for a client and endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLimiter(cmd.Context(), root, func(rl *limiter.RateLimiter) error {
				st := rl.Status(cmd.Context(), p.client, p.endpoint)
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"client":        p.client,
					"endpoint":      p.endpoint,
					"count":         st.Count,
					"limit":         st.Limit,
					"remaining":     st.Remaining,
					"reset_seconds": st.ResetSeconds,
					"exceeded":      st.Exceeded,
					"degraded":      st.Degraded,
				})
			})
		},
	}
	p.bind(cmd)
	return cmd
}

func newResetCmd(root *rootOptions) *cobra.Command {
	var p pairFlags
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear the counter for a client and endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLimiter(cmd.Context(), root, func(rl *limiter.RateLimiter) error {
				if err := rl.Reset(cmd.Context(), p.client, p.endpoint); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "reset %s on %s\n", p.client, p.endpoint)
				return err
			})
		},
	}
	p.bind(cmd)
	return cmd
}

func newLimitsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "limits [endpoint...]",
		Short: "Print the effective limit for endpoints, or all configured rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &root.cfg.RateLimit

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleRounded)
			t.AppendHeader(table.Row{"Endpoint", "Window", "Max Requests"})

			if len(args) == 0 {
				t.AppendRow(table.Row{"(default)", cfg.Default.Window, cfg.Default.MaxRequests})
				for _, r := range cfg.Rules {
					name := r.Endpoint
					if r.IsRegex {
						name = "~" + name
					}
					t.AppendRow(table.Row{name, r.Window, r.MaxRequests})
				}
			}
			for _, ep := range args {
				l := cfg.LimitFor(ep)
				t.AppendRow(table.Row{ep, l.Window.Round(time.Millisecond), l.MaxRequests})
			}

			t.Render()
			return nil
		},
	}
}

func newInstancesCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "List the running instances registered in Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newRedisClient(cmd.Context(), root.cfg.Redis)
			if err != nil {
				return err
			}
			defer client.Close()

			instances, err := cluster.NewRegistry(client).Discover(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), instances)
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleRounded)
			t.AppendHeader(table.Row{"ID", "HTTP", "gRPC", "Storage", "Up"})
			for _, inst := range instances {
				t.AppendRow(table.Row{inst.ID, inst.HTTPAddr, inst.GRPCAddr, inst.Storage, time.Since(inst.StartedAt).Round(time.Second)})
			}
			t.AppendFooter(table.Row{"", "", "", "total", len(instances)})
			t.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
