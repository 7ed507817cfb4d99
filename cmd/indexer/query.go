package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kirillkom/knowledge-indexer/internal/core/usecase"
)

var queryTopK int

var queryCmd = &cobra.Command{
	Use:   "query [text]",
	Short: "Retrieve the fragments most similar to a query",
	Long: `Embeds the query and prints the top-K most similar fragments with their citations,
formatted as the context block handed to an answer generator.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := app.Retrieval.Retrieve(cmd.Context(), strings.Join(args, " "), queryTopK)
		if err != nil {
			return err
		}
		if jsonOutput {
			data, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal result: %w", err)
			}
			cmd.Println(string(data))
			return nil
		}
		if result.NoKnowledge {
			cmd.Println("The index is empty. Upload documents or crawl a site first.")
			return nil
		}
		block, citations := usecase.FormatContext(result.Hits)
		cmd.Println(block)
		cmd.Println()
		cmd.Println("Sources:")
		for i, citation := range citations {
			cmd.Printf("  [%d] %s (%.3f)\n", i+1, citation, result.Hits[i].Score)
		}
		return nil
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload [file...]",
	Short: "Copy files into the upload area",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, path := range args {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			key, err := app.Uploads.Upload(cmd.Context(), filepath.Base(path), f)
			_ = f.Close()
			if err != nil {
				return err
			}
			cmd.Printf("stored %s as %s\n", path, key)
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().IntVarP(&queryTopK, "top-k", "k", 0, "number of fragments (default RAG_TOP_K)")
	rootCmd.AddCommand(queryCmd, uploadCmd)
}
