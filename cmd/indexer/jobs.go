package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
)

var prune bool

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Incrementally index the upload area",
	Long: `Embeds uploads that are new or changed since the last run and keeps everything else.
With --prune, sources that disappeared from the upload area are dropped from the index.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runJob(cmd, domain.JobRequest{Kind: domain.JobReindex, PruneMissing: prune})
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Discard the index and re-embed every upload",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runJob(cmd, domain.JobRequest{Kind: domain.JobRebuild})
	},
}

var (
	crawlMaxPages int
	crawlDepth    int
)

var crawlCmd = &cobra.Command{
	Use:   "crawl [seed-url]",
	Short: "Crawl a site and index its pages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := crawlJobRequest(args[0], cmd.Flags().Changed("depth"))
		if err != nil {
			return err
		}
		return runJob(cmd, req)
	},
}

// crawlJobRequest leaves the depth to CRAWL_DEPTH unless --depth was given; an
// explicit 0 crawls the seed only.
func crawlJobRequest(seed string, depthSet bool) (domain.JobRequest, error) {
	req := domain.JobRequest{Kind: domain.JobCrawl, Seed: seed, MaxPages: crawlMaxPages}
	if !depthSet {
		return req, nil
	}
	if crawlDepth < 0 {
		return domain.JobRequest{}, domain.WrapError(domain.ErrInvalidInput, "crawl", fmt.Errorf("--depth must not be negative, got %d", crawlDepth))
	}
	depth := crawlDepth
	req.MaxDepth = &depth
	return req, nil
}

func init() {
	reindexCmd.Flags().BoolVar(&prune, "prune", false, "drop sources missing from the upload area")
	crawlCmd.Flags().IntVar(&crawlMaxPages, "max-pages", 0, "page fetch limit (default CRAWL_MAX_PAGES)")
	crawlCmd.Flags().IntVar(&crawlDepth, "depth", 0, "link depth from the seed, 0 for the seed only (default CRAWL_DEPTH)")
	rootCmd.AddCommand(reindexCmd, rebuildCmd, crawlCmd)
}

// runJob runs one job in the foreground. An interrupt cancels it; whatever was
// committed before the next checkpoint stays in the index.
func runJob(cmd *cobra.Command, req domain.JobRequest) error {
	ctx := cmd.Context()
	h, err := app.StartJob(ctx, req)
	if err != nil {
		return err
	}

	select {
	case <-h.Done():
	case <-ctx.Done():
		h.Cancel()
		<-h.Done()
	}

	snap := h.Snapshot()
	if err := printJob(cmd, snap); err != nil {
		return err
	}
	if snap.State == domain.StateError {
		return fmt.Errorf("%s job failed: %s", snap.Kind, snap.Error)
	}
	return nil
}

func printJob(cmd *cobra.Command, snap domain.JobProgress) error {
	if jsonOutput {
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	cmd.Printf("%s job %s: %s\n", snap.Kind, snap.ID, snap.State)
	if snap.Report == nil {
		return nil
	}
	r := snap.Report
	cmd.Printf("  sources: %d total, %d indexed, %d unchanged, %d failed\n", r.SourcesTotal, r.SourcesIndexed, r.SourcesSkipped, r.SourcesFailed)
	cmd.Printf("  fragments: %d embedded, %d reused, %d pruned\n", r.FragmentsEmbedded, r.FragmentsReused, r.EntriesPruned)
	if r.BatchesFailed > 0 {
		cmd.Printf("  failed batches: %d\n", r.BatchesFailed)
	}
	for _, missing := range r.SourcesMissing {
		cmd.Printf("  missing: %s\n", missing)
	}
	for _, msg := range r.Errors {
		cmd.Printf("  error: %s\n", msg)
	}
	return nil
}
