package usecase

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
	"github.com/kirillkom/knowledge-indexer/internal/core/ports"
)

const DefaultEmbedBatchSize = 40

type IndexOptions struct {
	BatchSize int
	Logger    *slog.Logger
	Metrics   ports.IndexMetrics
	Now       func() time.Time
}

// IndexUseCase brings the vector store and manifest in line with a set of source documents,
// embedding only sources whose fingerprint changed since the last successful run.
type IndexUseCase struct {
	extractor ports.Extractor
	chunker   ports.Chunker
	embedder  ports.Embedder
	store     ports.VectorStore
	manifests ports.ManifestStore

	batchSize int
	logger    *slog.Logger
	metrics   ports.IndexMetrics
	now       func() time.Time
}

func NewIndexUseCase(
	extractor ports.Extractor,
	chunker ports.Chunker,
	embedder ports.Embedder,
	store ports.VectorStore,
	manifests ports.ManifestStore,
	opts IndexOptions,
) *IndexUseCase {
	uc := &IndexUseCase{
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		store:     store,
		manifests: manifests,
		batchSize: opts.BatchSize,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
	if uc.batchSize <= 0 {
		uc.batchSize = DefaultEmbedBatchSize
	}
	if uc.logger == nil {
		uc.logger = slog.Default()
	}
	if uc.metrics == nil {
		uc.metrics = nopIndexMetrics{}
	}
	if uc.now == nil {
		uc.now = func() time.Time { return time.Now().UTC() }
	}
	return uc
}

// Fingerprint is the content hash used to detect modified sources.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// sourcePlan tracks one new or modified source through a run.
type sourcePlan struct {
	doc       domain.Document
	fragments []domain.Fragment
	remaining int
	failed    bool
	done      bool
}

type fragmentKey struct {
	ordinal int
	text    string
}

type queuedFragment struct {
	plan     *sourcePlan
	fragment domain.Fragment
}

type indexRun struct {
	uc       *IndexUseCase
	req      domain.ReindexRequest
	progress ports.ProgressReporter
	report   domain.IndexReport

	manifest domain.Manifest
	dirty    bool
	plans    []*sourcePlan
	current  map[string]string
	missing  map[string]bool
}

// Rebuild empties the store and manifest, then indexes every document from scratch.
func (uc *IndexUseCase) Rebuild(ctx context.Context, req domain.ReindexRequest, progress ports.ProgressReporter) (domain.IndexReport, error) {
	progress = orNop(progress)
	progress.SetState(domain.StateScanning, "clearing index")
	if err := uc.store.Reset(ctx); err != nil {
		return domain.IndexReport{State: domain.StateError}, fmt.Errorf("reset vector store: %w", err)
	}
	if err := uc.manifests.Save(ctx, domain.NewManifest()); err != nil {
		return domain.IndexReport{State: domain.StateError}, fmt.Errorf("reset manifest: %w", err)
	}
	uc.logger.Info("index_reset")
	return uc.Reindex(ctx, req, progress)
}

// Reindex runs scanning then embedding. Batch failures are recorded in the report and the
// run continues; configuration and dimension errors abort it. A cancelled run stops at the
// next checkpoint with state stopped and keeps everything committed so far.
func (uc *IndexUseCase) Reindex(ctx context.Context, req domain.ReindexRequest, progress ports.ProgressReporter) (domain.IndexReport, error) {
	run := &indexRun{
		uc:       uc,
		req:      req,
		progress: orNop(progress),
		report:   domain.IndexReport{State: domain.StateScanning, SourcesTotal: len(req.Documents)},
		current:  make(map[string]string),
		missing:  make(map[string]bool),
	}
	started := uc.now()
	uc.logger.Info("reindex_started", "origin", string(req.Origin), "sources", len(req.Documents))

	err := run.execute(ctx)
	switch {
	case err == nil:
		run.report.State = domain.StateDone
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrStopped):
		run.report.State = domain.StateStopped
		err = nil
	default:
		run.report.State = domain.StateError
		run.report.AddError(err.Error())
	}

	if run.report.State != domain.StateError {
		if finErr := run.finalize(context.WithoutCancel(ctx)); finErr != nil {
			run.report.State = domain.StateError
			run.report.AddError(finErr.Error())
			err = finErr
		}
	}
	report := run.report

	uc.metrics.ObserveReindex(report)
	uc.logger.Info("reindex_finished",
		"origin", string(req.Origin),
		"state", string(report.State),
		"skipped", report.SourcesSkipped,
		"indexed", report.SourcesIndexed,
		"failed", report.SourcesFailed,
		"missing", len(report.SourcesMissing),
		"fragments_embedded", report.FragmentsEmbedded,
		"fragments_reused", report.FragmentsReused,
		"batches_failed", report.BatchesFailed,
		"entries_pruned", report.EntriesPruned,
		"duration_ms", uc.now().Sub(started).Milliseconds(),
	)
	return report, err
}

func (r *indexRun) execute(ctx context.Context) error {
	r.progress.SetState(domain.StateScanning, "loading manifest")
	manifest, err := r.uc.manifests.Load(ctx)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	r.manifest = manifest
	if err := r.checkModel(); err != nil {
		return err
	}

	pending := r.partition()
	if err := r.scan(ctx, pending); err != nil {
		return err
	}
	return r.embed(ctx)
}

func (r *indexRun) checkModel() error {
	model := r.uc.embedder.Model()
	if r.manifest.Model != "" && r.manifest.Model != model {
		return domain.WrapError(
			domain.ErrConfiguration,
			"reindex",
			fmt.Errorf("index was built with model %q but %q is configured; rebuild required", r.manifest.Model, model),
		)
	}
	if dim := r.uc.store.Dimension(); r.manifest.Dimension != 0 && dim != 0 && r.manifest.Dimension != dim {
		return domain.WrapError(
			domain.ErrDimensionMismatch,
			"reindex",
			fmt.Errorf("manifest dimension %d, store dimension %d", r.manifest.Dimension, dim),
		)
	}
	return nil
}

// partition fingerprints the request, skips unchanged sources and reports missing ones.
func (r *indexRun) partition() []domain.Document {
	docs := slices.Clone(r.req.Documents)
	slices.SortStableFunc(docs, func(a, b domain.Document) int { return cmp.Compare(a.Source, b.Source) })

	pending := make([]domain.Document, 0, len(docs))
	for _, doc := range docs {
		if doc.Source == "" {
			r.report.SourcesFailed++
			r.report.AddError("document with empty source identity")
			continue
		}
		if _, dup := r.current[doc.Source]; dup {
			r.report.AddError(fmt.Sprintf("%s: duplicate source in request, later copy ignored", doc.Source))
			continue
		}
		if doc.Fingerprint == "" {
			doc.Fingerprint = Fingerprint(doc.Content)
		}
		if doc.Kind == "" {
			doc.Kind = domain.KindFromName(doc.Source, "")
		}
		if doc.Origin == "" {
			doc.Origin = r.req.Origin
		}
		r.current[doc.Source] = doc.Fingerprint

		if r.manifest.Unchanged(doc.Source, doc.Fingerprint) {
			r.report.SourcesSkipped++
			continue
		}
		pending = append(pending, doc)
	}

	var missing []string
	for source, entry := range r.manifest.Sources {
		if entry.Origin != r.req.Origin || (r.req.Scope != nil && !r.req.Scope(source)) {
			continue
		}
		if _, ok := r.current[source]; !ok {
			missing = append(missing, source)
			r.missing[source] = true
		}
	}
	slices.Sort(missing)
	r.report.SourcesMissing = missing
	return pending
}

// scan extracts and chunks every pending source in order.
func (r *indexRun) scan(ctx context.Context, pending []domain.Document) error {
	r.progress.SetTotal(len(pending))
	for _, doc := range pending {
		if err := r.progress.Checkpoint(ctx); err != nil {
			return err
		}

		sections, err := r.uc.extractor.Extract(ctx, doc)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if domain.IsFatal(err) {
				return fmt.Errorf("extract %s: %w", doc.Source, err)
			}
			r.report.SourcesFailed++
			r.report.AddError(fmt.Sprintf("%s: extract: %v", doc.Source, err))
			r.uc.logger.Warn("extract_failed", "source", doc.Source, "error", err)
			r.progress.Advance(1, "skipped "+doc.Source)
			continue
		}

		plan := &sourcePlan{doc: doc}
		for _, section := range sections {
			for _, text := range r.uc.chunker.Split(section.Text) {
				plan.fragments = append(plan.fragments, domain.Fragment{
					Source:   doc.Source,
					Location: section.Location,
					Text:     text,
					Ordinal:  len(plan.fragments),
				})
			}
		}
		r.plans = append(r.plans, plan)
		r.progress.Advance(1, "scanned "+doc.Source)
	}
	return nil
}

func (r *indexRun) embed(ctx context.Context) error {
	queue := r.queue()

	// Sources with nothing left to embed (no text, or fully present from an interrupted run).
	for _, plan := range r.plans {
		if plan.remaining == 0 {
			r.complete(plan)
		}
	}
	if err := r.saveManifest(ctx); err != nil {
		return err
	}

	r.progress.SetState(domain.StateEmbedding, fmt.Sprintf("embedding %d fragments", len(queue)))
	r.progress.SetTotal(len(queue))

	batches := (len(queue) + r.uc.batchSize - 1) / r.uc.batchSize
	for b := 0; b < batches; b++ {
		if err := r.progress.Checkpoint(ctx); err != nil {
			return err
		}
		batch := queue[b*r.uc.batchSize : min((b+1)*r.uc.batchSize, len(queue))]
		if err := r.embedBatch(ctx, b+1, batch); err != nil {
			return err
		}
		r.progress.Advance(len(batch), fmt.Sprintf("embedded batch %d/%d", b+1, batches))
	}
	return nil
}

// queue lists fragments still to embed. A stored fragment is reused only when source
// version, ordinal and text all match, so a chunking change re-embeds everything.
func (r *indexRun) queue() []queuedFragment {
	type key struct {
		source      string
		fingerprint string
		ordinal     int
		text        string
	}
	stored := make(map[key]bool)
	if len(r.plans) > 0 {
		for _, e := range r.uc.store.Entries() {
			stored[key{e.Source, e.Fingerprint, e.Ordinal, e.Text}] = true
		}
	}

	var queue []queuedFragment
	for _, plan := range r.plans {
		for _, f := range plan.fragments {
			if stored[key{plan.doc.Source, plan.doc.Fingerprint, f.Ordinal, f.Text}] {
				r.report.FragmentsReused++
				continue
			}
			queue = append(queue, queuedFragment{plan: plan, fragment: f})
			plan.remaining++
		}
	}
	return queue
}

func (r *indexRun) embedBatch(ctx context.Context, number int, batch []queuedFragment) error {
	texts := make([]string, len(batch))
	for i, q := range batch {
		texts[i] = q.fragment.Text
	}

	started := time.Now()
	vectors, err := r.uc.embedder.Embed(ctx, texts)
	r.uc.metrics.ObserveEmbedBatch(len(batch), time.Since(started), err)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if domain.IsFatal(err) {
			return fmt.Errorf("embed batch %d: %w", number, err)
		}
		r.report.BatchesFailed++
		r.report.AddError(fmt.Sprintf("embed batch %d: %v", number, err))
		r.uc.logger.Warn("embed_batch_failed", "batch", number, "fragments", len(batch), "error", err)
		for _, q := range batch {
			r.fail(q.plan)
		}
		return nil
	}

	entries := make([]domain.IndexEntry, len(batch))
	for i, q := range batch {
		entries[i] = domain.IndexEntry{
			ID:          uuid.NewString(),
			Source:      q.fragment.Source,
			Location:    q.fragment.Location,
			Text:        q.fragment.Text,
			Fingerprint: q.plan.doc.Fingerprint,
			Ordinal:     q.fragment.Ordinal,
		}
	}
	if err := r.uc.store.Append(ctx, vectors, entries); err != nil {
		return fmt.Errorf("append batch %d: %w", number, err)
	}
	r.report.FragmentsEmbedded += len(batch)

	for _, q := range batch {
		q.plan.remaining--
		if q.plan.remaining == 0 {
			r.complete(q.plan)
		}
	}
	return r.saveManifest(ctx)
}

func (r *indexRun) fail(plan *sourcePlan) {
	if plan.failed {
		return
	}
	plan.failed = true
	r.report.SourcesFailed++
}

func (r *indexRun) complete(plan *sourcePlan) {
	if plan.failed || plan.done {
		return
	}
	plan.done = true
	r.manifest.Sources[plan.doc.Source] = domain.ManifestEntry{
		Fingerprint: plan.doc.Fingerprint,
		Entries:     len(plan.fragments),
		Origin:      plan.doc.Origin,
		IndexedAt:   r.uc.now(),
	}
	r.dirty = true
	r.report.SourcesIndexed++
}

func (r *indexRun) saveManifest(ctx context.Context) error {
	if !r.dirty {
		return nil
	}
	if r.manifest.Model == "" {
		r.manifest.Model = r.uc.embedder.Model()
	}
	if dim := r.uc.store.Dimension(); dim != 0 {
		r.manifest.Dimension = dim
	}
	if err := r.uc.manifests.Save(ctx, r.manifest); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	r.dirty = false
	return nil
}

// finalize prunes superseded versions and, when requested, missing sources.
func (r *indexRun) finalize(ctx context.Context) error {
	if r.manifest.Sources == nil {
		return nil
	}

	drop := make(map[string]bool)
	if r.req.PruneMissing {
		for source := range r.missing {
			drop[source] = true
			delete(r.manifest.Sources, source)
			r.dirty = true
		}
	}

	// Completed sources keep exactly their current fragments; leftovers from an
	// interrupted run under other chunking settings go.
	layout := make(map[string]map[fragmentKey]bool)
	for _, plan := range r.plans {
		if !plan.done {
			continue
		}
		keys := make(map[fragmentKey]bool, len(plan.fragments))
		for _, f := range plan.fragments {
			keys[fragmentKey{f.Ordinal, f.Text}] = true
		}
		layout[plan.doc.Source] = keys
	}

	removed, err := r.uc.store.Rewrite(ctx, func(e domain.IndexEntry) bool {
		if drop[e.Source] {
			return false
		}
		if keys, ok := layout[e.Source]; ok && e.Fingerprint == r.current[e.Source] && !keys[fragmentKey{e.Ordinal, e.Text}] {
			return false
		}
		indexed, known := r.manifest.Sources[e.Source]
		if fp, ok := r.current[e.Source]; ok {
			return e.Fingerprint == fp || (known && e.Fingerprint == indexed.Fingerprint)
		}
		if known {
			return e.Fingerprint == indexed.Fingerprint
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("prune entries: %w", err)
	}
	r.report.EntriesPruned += removed
	if removed > 0 {
		r.uc.logger.Info("entries_pruned", "removed", removed)
	}
	return r.saveManifest(ctx)
}
