package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"bartholomew/internal/brake"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print store statistics and brake state",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := st.GetStats()
		if err != nil {
			return err
		}
		b, err := brake.New(st, st)
		if err != nil {
			return err
		}
		bst := b.State()

		out, err := json.MarshalIndent(map[string]interface{}{
			"db_path": st.Path(),
			"tables":  stats,
			"brake": map[string]interface{}{
				"engaged": bst.Engaged,
				"scopes":  bst.ScopeList(),
			},
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}
