package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/lattice/internal/discovery"
	"github.com/oriys/lattice/internal/ids"
	"github.com/oriys/lattice/internal/invocation"
	"github.com/oriys/lattice/internal/routing"
)

func invokeCmd() *cobra.Command {
	var (
		strategyName string
		appID        string
		address      string
		typeName     string
		convention   string
		partials     int
		timeout      time.Duration
		peers        []string
	)

	cmd := &cobra.Command{
		Use:   "invoke <method> [args...]",
		Short: "Route one invocation across the mesh",
		Long: `Join the mesh as a client-only instance, wait for the first discovery
refresh, and route one invocation with the chosen strategy. Arguments are
parsed as JSON and fall back to plain strings.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(peers) > 0 {
				cfg.Discovery.Mode = discovery.ModeStatic
				cfg.Discovery.Hosts = peers
			}
			// Client-only: host nothing and bind ephemeral loopback ports.
			cfg.Cluster.Applications = nil
			cfg.Cluster.ControlAddress = "tcp://127.0.0.1:0"
			cfg.Cluster.InvokerAddress = "127.0.0.1:0"
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			var app ids.ApplicationID
			if appID != "" {
				if app, err = ids.ParseApplicationID(appID); err != nil {
					return err
				}
			}
			addr, err := routing.ParseAddress(address)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			m, err := startMesh(ctx, cfg, ids.NewInstanceID())
			if err != nil {
				return err
			}
			defer m.stop()

			strategy, err := routing.ForName(strategyName, m.registry, app)
			if err != nil {
				return err
			}

			inv := &invocation.Invocation{
				Type:      typeName,
				Method:    args[0],
				Arguments: parseArgs(args[1:]),
			}
			if err := inv.Validate(); err != nil {
				return err
			}

			out := &invokeOutput{Strategy: strategy.Name(), Convention: convention, Partials: make([]any, partials)}
			consumers := make([]invocation.ResultConsumer, partials)
			for i := range consumers {
				consumers[i] = func(r *invocation.Result) { out.Partials[i] = r.Get() }
			}

			start := time.Now()
			switch convention {
			case routing.ConventionSync:
				out.Result, err = strategy.InvokeSync(ctx, addr, inv, consumers)
			case routing.ConventionFuture:
				fut, ferr := strategy.InvokeFuture(ctx, addr, inv, consumers)
				if ferr != nil {
					return ferr
				}
				out.Result, err = fut.Get(ctx)
			case routing.ConventionAsync:
				var (
					asyncErr error
					op       interface{ Done() <-chan struct{} }
				)
				op, err = strategy.InvokeAsync(ctx, addr, inv, consumers, func(e error) { asyncErr = e })
				if err != nil {
					return err
				}
				select {
				case <-op.Done():
				case <-ctx.Done():
					return ctx.Err()
				}
				err = asyncErr
			default:
				return fmt.Errorf("unknown convention %q (valid: sync, future, async)", convention)
			}
			out.DurationMs = time.Since(start).Milliseconds()
			if err != nil {
				return err
			}

			if outputFmt == "json" {
				return printJSON(out)
			}
			fmt.Printf("Result: %v\n", formatValue(out.Result))
			for i, p := range out.Partials {
				fmt.Printf("Partial %d: %v\n", i+1, formatValue(p))
			}
			fmt.Printf("Duration: %dms (%s, %s)\n", out.DurationMs, out.Strategy, out.Convention)
			return nil
		},
	}

	cmd.Flags().StringVarP(&strategyName, "strategy", "s", routing.NameSameNode, "Routing strategy: same-node, list, broadcast")
	cmd.Flags().StringVar(&appID, "app", "", "Application id for aggregate strategies")
	cmd.Flags().StringVarP(&address, "address", "a", "", "Comma separated node ids; * for any node")
	cmd.Flags().StringVar(&typeName, "type", "", "Invocation type name")
	cmd.Flags().StringVarP(&convention, "convention", "c", routing.ConventionSync, "Calling convention: sync, future, async")
	cmd.Flags().IntVar(&partials, "partials", 0, "Number of partial result consumers")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall timeout")
	cmd.Flags().StringSliceVar(&peers, "peer", nil, "Peer control address (repeatable); overrides discovery")

	return cmd
}

type invokeOutput struct {
	Strategy   string `json:"strategy"`
	Convention string `json:"convention"`
	Result     any    `json:"result"`
	Partials   []any  `json:"partials,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

func parseArgs(args []string) []any {
	out := make([]any, len(args))
	for i, a := range args {
		var v any
		if err := json.Unmarshal([]byte(a), &v); err != nil {
			v = a
		}
		out[i] = v
	}
	return out
}

func formatValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
