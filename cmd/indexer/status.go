package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
)

type indexStatus struct {
	Entries   int            `json:"entries"`
	Dimension int            `json:"dimension"`
	Model     string         `json:"model,omitempty"`
	Sources   int            `json:"sources"`
	ByOrigin  map[string]int `json:"by_origin"`
}

var statusSources bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the size and sources of the index",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		manifest, err := app.Manifests.Load(cmd.Context())
		if err != nil {
			return fmt.Errorf("load manifest: %w", err)
		}
		status := summarize(app.Store.Len(), app.Store.Dimension(), manifest)

		if jsonOutput {
			data, err := json.MarshalIndent(status, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal status: %w", err)
			}
			cmd.Println(string(data))
			return nil
		}

		cmd.Printf("entries:   %d\n", status.Entries)
		cmd.Printf("dimension: %d\n", status.Dimension)
		if status.Model != "" {
			cmd.Printf("model:     %s\n", status.Model)
		}
		cmd.Printf("sources:   %d (upload %d, crawl %d)\n", status.Sources, status.ByOrigin[string(domain.OriginUpload)], status.ByOrigin[string(domain.OriginCrawl)])
		if statusSources {
			names := make([]string, 0, len(manifest.Sources))
			for name := range manifest.Sources {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				entry := manifest.Sources[name]
				cmd.Printf("  %s  %d fragments  %s\n", name, entry.Entries, entry.IndexedAt.Format("2006-01-02 15:04"))
			}
		}
		return nil
	},
}

func summarize(entries, dimension int, manifest domain.Manifest) indexStatus {
	status := indexStatus{
		Entries:   entries,
		Dimension: dimension,
		Model:     manifest.Model,
		Sources:   len(manifest.Sources),
		ByOrigin:  make(map[string]int),
	}
	for _, entry := range manifest.Sources {
		status.ByOrigin[string(entry.Origin)]++
	}
	return status
}

func init() {
	statusCmd.Flags().BoolVar(&statusSources, "sources", false, "list indexed sources")
	rootCmd.AddCommand(statusCmd)
}
