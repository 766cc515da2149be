package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/lattice/internal/control"
	"github.com/oriys/lattice/internal/discovery"
	"github.com/oriys/lattice/internal/ids"
)

func statusCmd() *cobra.Command {
	var (
		timeout time.Duration
		route   string
		routes  bool
	)

	cmd := &cobra.Command{
		Use:   "status <endpoint>",
		Short: "Query an instance over the control protocol",
		Long:  "Query the instance at a control endpoint (e.g. tcp://10.0.0.7:7600) for its id, invoker address and hosted nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint := discovery.NormalizeAddress(args[0])
			client := &control.Client{Timeout: timeout}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			if route != "" {
				node, err := ids.ParseNodeID(route)
				if err != nil {
					return err
				}
				addr, err := client.OpenRoute(ctx, endpoint, node)
				if err != nil {
					return err
				}
				if outputFmt == "json" {
					return printJSON(map[string]string{"node": node.String(), "connect_address": addr})
				}
				fmt.Println(addr)
				return nil
			}

			if routes {
				rs, err := client.RoutingStatus(ctx, endpoint)
				if err != nil {
					return err
				}
				if outputFmt == "json" {
					return printJSON(rs)
				}
				fmt.Printf("Instance: %s\n", rs.InstanceID)
				fmt.Printf("Routes:   %d\n\n", len(rs.Routes))
				if len(rs.Routes) == 0 {
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "NODE\tCONNECT ADDRESS")
				for _, r := range rs.Routes {
					fmt.Fprintf(w, "%s\t%s\n", r.Node, r.Address)
				}
				return w.Flush()
			}

			status, err := client.InstanceStatus(ctx, endpoint)
			if err != nil {
				return err
			}
			if outputFmt == "json" {
				return printJSON(status)
			}

			fmt.Printf("Instance: %s\n", status.InstanceID)
			fmt.Printf("Invoker:  %s\n", status.InvokerAddress)
			fmt.Printf("Nodes:    %d\n\n", len(status.Nodes))
			if len(status.Nodes) == 0 {
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NODE\tAPPLICATION\tMASTER")
			for _, n := range status.Nodes {
				fmt.Fprintf(w, "%s\t%s\t%v\n", n, n.Application, n.IsMaster())
			}
			return w.Flush()
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	cmd.Flags().StringVar(&route, "route", "", "Ask for the connect address of this node instead")
	cmd.Flags().BoolVar(&routes, "routes", false, "Show the instance's routing table instead")

	return cmd
}
