package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"bartholomew/internal/embedding"
	"bartholomew/internal/store"
)

var embeddingsCmd = &cobra.Command{
	Use:   "embeddings",
	Short: "Inspect and maintain the vector layer",
}

var embeddingsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print embedding counts and vec0 availability",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := st.GetEmbeddingStats()
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var embeddingsRebuildCmd = &cobra.Command{
	Use:   "rebuild-vss",
	Short: "Drop and repopulate the vec0 shadow table",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := st.RebuildVSS()
		if errors.Is(err, store.ErrVectorUnavailable) {
			fmt.Fprintln(os.Stderr, "vector extension not available in this build")
			st.Close()
			os.Exit(1)
		}
		if err != nil {
			return err
		}
		fmt.Printf("rebuilt vec0 shadow table, %d vectors mirrored\n", n)
		return nil
	},
}

var backfillBatch int

var embeddingsBackfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Embed memories that have no vector yet",
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

		eng, err := embedding.NewEngine(embedding.Config{
			Provider: cfg.Embeddings.Provider,
			Model:    cfg.Embeddings.Model,
			Dim:      cfg.Embeddings.Dim,
		})
		if err != nil {
			return err
		}

		var total int
		for {
			pending, err := st.MemoriesMissingEmbedding(store.EmbeddingSourceFull, backfillBatch)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				break
			}

			texts := make([]string, len(pending))
			for i, m := range pending {
				texts[i] = m.Value
			}
			vecs, err := eng.Embed(cmd.Context(), texts)
			if err != nil {
				return err
			}
			ec := eng.Config()
			for i, m := range pending {
				if err := st.UpsertEmbedding(m.ID, vecs[i], store.EmbeddingSourceFull, ec.Provider, ec.Model); err != nil {
					return err
				}
			}
			total += len(pending)
		}
		fmt.Printf("embedded %d memories with %s/%s\n", total, eng.Config().Provider, eng.Config().Model)
		return nil
	},
}

func init() {
	embeddingsCmd.AddCommand(embeddingsStatsCmd)
	embeddingsCmd.AddCommand(embeddingsRebuildCmd)
	embeddingsCmd.AddCommand(embeddingsBackfillCmd)
	embeddingsBackfillCmd.Flags().IntVar(&backfillBatch, "batch", 100, "Memories per embedding batch")
}
