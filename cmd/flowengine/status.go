package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/randalmurphal/flowengine/pkg/flowengine/checkpoint"
	"github.com/randalmurphal/flowengine/pkg/flowengine/query"
)

func newStatusCmd(v *viper.Viper, _ *options) *cobra.Command {
	var queries []string
	cmd := &cobra.Command{
		Use:   "status [flow-id]",
		Short: "List stored flows or query one flow",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := settings(v)
			if err != nil {
				return err
			}
			store, err := checkpoint.Open(cmd.Context(), s.Store.Driver, s.Store.DSN)
			if err != nil {
				return fmt.Errorf("open %s store: %w", s.Store.Driver, err)
			}
			defer store.Close()

			executor, err := query.NewStoreExecutor(store)
			if err != nil {
				return err
			}

			if len(args) == 0 {
				infos, err := executor.Flows(cmd.Context())
				if err != nil {
					return err
				}
				if len(infos) == 0 {
					color.Yellow("No stored flows")
					return nil
				}
				for _, info := range infos {
					fmt.Printf("%s  rev %d  %d bytes  updated %s\n",
						color.CyanString(info.FlowID), info.Revision, info.Size, info.UpdatedAt.Format("2006-01-02 15:04:05"))
				}
				return nil
			}

			requested := make(map[string]any, len(queries))
			for _, q := range queries {
				requested[q] = nil
			}
			results := executor.ExecuteMultiple(cmd.Context(), args[0], requested)
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			failed := 0
			for _, r := range results {
				if r.Error != "" {
					failed++
					color.Red("%s: %s", r.QueryName, r.Error)
					continue
				}
				color.Cyan("%s:", r.QueryName)
				if err := enc.Encode(r.Value); err != nil {
					return err
				}
			}
			if failed == len(results) {
				return fmt.Errorf("no query succeeded for flow %s", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&queries, "query", "q",
		[]string{query.QueryStatus, query.QuerySessions, query.QueryWaitingFor}, "queries to run")
	return cmd
}
