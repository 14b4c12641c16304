package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"bartholomew/internal/brake"
	"bartholomew/internal/store"
)

var brakeScopes []string

var brakeCmd = &cobra.Command{
	Use:   "brake",
	Short: "Inspect or set the parking brake",
	Long: `The parking brake is the fail-closed gate over all autonomous
activity. 'on' engages it (globally unless --scope narrows it), 'off'
releases it, 'status' prints the persisted state as JSON.`,
}

var brakeOnCmd = &cobra.Command{
	Use:   "on",
	Short: "Engage the parking brake",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBrake(func(b *brake.ParkingBrake) error {
			for _, s := range brakeScopes {
				if !validScope(s) {
					return fmt.Errorf("unknown scope %q (known: %v)", s, brake.KnownScopes)
				}
			}
			if err := b.Engage(brakeScopes...); err != nil {
				return err
			}
			return printBrakeState(b)
		})
	},
}

var brakeOffCmd = &cobra.Command{
	Use:   "off",
	Short: "Release the parking brake",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBrake(func(b *brake.ParkingBrake) error {
			if err := b.Disengage(); err != nil {
				return err
			}
			return printBrakeState(b)
		})
	},
}

var brakeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current brake state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBrake(printBrakeState)
	},
}

// withBrake opens the store briefly, builds a brake over it and runs
// fn. The short-lived open keeps the WAL checkpointed after each CLI
// invocation.
func withBrake(fn func(*brake.ParkingBrake) error) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	b, err := brake.New(st, st)
	if err != nil {
		return err
	}
	return fn(b)
}

func printBrakeState(b *brake.ParkingBrake) error {
	st := b.State()
	scopes := st.ScopeList()
	if scopes == nil {
		scopes = []string{}
	}
	out, err := json.Marshal(map[string]interface{}{
		"engaged": st.Engaged,
		"scopes":  scopes,
	})
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func validScope(s string) bool {
	for _, k := range brake.KnownScopes {
		if s == k {
			return true
		}
	}
	return false
}

// openStore resolves the database path (--db, then config/env) and
// opens it.
func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.DBPath())
}

func init() {
	brakeOnCmd.Flags().StringArrayVar(&brakeScopes, "scope", nil, "Scope to engage (repeatable, default global)")
	brakeCmd.AddCommand(brakeOnCmd)
	brakeCmd.AddCommand(brakeOffCmd)
	brakeCmd.AddCommand(brakeStatusCmd)
}
