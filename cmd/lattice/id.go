package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oriys/lattice/internal/ids"
)

func idCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "id",
		Short: "Print this instance's id, creating it if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				file = cfg.Cluster.InstanceIDFile
			}

			id, created, err := ids.LoadOrCreateInstanceID(file)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(os.Stderr, "created new instance id in %s\n", file)
			}
			if outputFmt == "json" {
				return printJSON(map[string]any{"instance": id.String(), "file": file, "created": created})
			}
			fmt.Println(id)
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Instance id file (defaults to cluster.instance_id_file)")

	return cmd
}
