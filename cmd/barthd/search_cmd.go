package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"bartholomew/internal/consent"
	"bartholomew/internal/fts"
)

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search memories through the FTS index",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		idx := fts.NewClient(st, cfg.Retrieval.TokenizerSpec())
		if err := idx.InitSchema(); err != nil {
			return err
		}
		if cfg.ConsentRules != "" {
			gate, err := consent.NewGate(st, cfg.ConsentRules)
			if err != nil {
				return err
			}
			idx.SetConsentGate(gate)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		query := strings.Join(args, " ")
		results, err := idx.Search(ctx, query, fts.SearchOptions{
			Limit:       searchLimit,
			OrderByRank: true,
		})
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("no results")
			return nil
		}
		for i, r := range results {
			snippet := r.Snippet
			if snippet == "" {
				snippet = r.Summary
			}
			fmt.Printf("%2d. [%s] %s (rank %.3f)\n    %s\n", i+1, r.Kind, r.Key, r.Rank, snippet)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", 10, "Maximum results")
}
