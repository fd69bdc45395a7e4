// Package export turns locally cached articles into deliverable
// artifacts: a self-contained archive, structured JSON, tabular CSV,
// plain text, or markdown. Anything not yet cached is fetched first
// through the fetch pipeline.
package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	errs "artex/pkg/errors"
	"artex/pkg/fetch"
	"artex/pkg/logger"
	"artex/pkg/platform"
	"artex/pkg/resolver"
	"artex/pkg/storage"
)

// Format selects the export output format
type Format string

const (
	FormatArchive  Format = "archive"
	FormatJSON     Format = "json"
	FormatCSV      Format = "csv"
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
)

// ParseFormat validates a format name
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatArchive, FormatJSON, FormatCSV, FormatText, FormatMarkdown:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unknown export format %q", s)
	}
}

// Job describes one export request
type Job struct {
	AuthKey    string
	ArticleIDs []string
	Format     Format
}

// Artifact describes the produced output file
type Artifact struct {
	Name  string
	Path  string
	Size  int64
	Items int
}

// Exporter drives exports end to end: fetch what is missing, resolve
// embedded resources, render the artifact.
type Exporter struct {
	store     *storage.Store
	queue     *fetch.Queue
	resolver  *resolver.Resolver
	endpoints *platform.Endpoints
	outputDir string
	log       logger.Logger
}

// New creates an exporter
func New(
	store *storage.Store,
	queue *fetch.Queue,
	res *resolver.Resolver,
	endpoints *platform.Endpoints,
	outputDir string,
	log logger.Logger,
) *Exporter {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Exporter{
		store:     store,
		queue:     queue,
		resolver:  res,
		endpoints: endpoints,
		outputDir: outputDir,
		log:       log,
	}
}

// Export runs one export job and returns the produced artifact. A failed
// article fetch of any kind aborts the whole export; only embedded
// resource failures degrade the artifact instead.
func (e *Exporter) Export(ctx context.Context, job Job) (*Artifact, error) {
	if len(job.ArticleIDs) == 0 {
		return nil, errors.New("export requires at least one article ID")
	}
	if _, err := ParseFormat(string(job.Format)); err != nil {
		return nil, err
	}

	e.log.InfoWithFields("starting export", map[string]interface{}{
		"auth_key": job.AuthKey,
		"articles": len(job.ArticleIDs),
		"format":   string(job.Format),
	})

	if err := e.fetchMissing(ctx, job); err != nil {
		return nil, err
	}

	articles, err := e.loadArticles(job.ArticleIDs)
	if err != nil {
		return nil, err
	}

	artifact, err := e.render(ctx, job, articles)
	if err != nil {
		return nil, err
	}

	e.log.InfoWithFields("export completed", map[string]interface{}{
		"artifact": artifact.Name,
		"size":     artifact.Size,
		"items":    artifact.Items,
	})
	return artifact, nil
}

// fetchMissing enqueues everything the store lacks and waits for the
// batch to settle
func (e *Exporter) fetchMissing(ctx context.Context, job Job) error {
	batch := e.queue.NewBatch(job.AuthKey)

	go e.logEvents(batch.Events())

	for _, id := range job.ArticleIDs {
		if !e.store.HasArticle(id) {
			if _, err := batch.Enqueue(fetch.KindContent, e.endpoints.ArticleURL(id), id); err != nil {
				batch.Cancel()
				return err
			}
		}
		if !e.store.HasMetadata(id) {
			if _, err := batch.Enqueue(fetch.KindMetadata, e.endpoints.MetadataURL(id), id); err != nil {
				batch.Cancel()
				return err
			}
		}
		if !e.store.HasComments(id) {
			if _, err := batch.Enqueue(fetch.KindComments, e.endpoints.CommentsURL(id), id); err != nil {
				batch.Cancel()
				return err
			}
		}
	}

	err := batch.Wait(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Wait returned before the batch settled; discard in-flight
		// results so an aborted export leaves no partial state behind
		batch.Cancel()
		return err
	}
	if errors.Is(err, fetch.ErrSessionExpired) {
		return err
	}

	// Everything in this batch is required; only resource fetches
	// (enqueued later by the archive renderer) may degrade
	for _, f := range batch.Failures() {
		return fmt.Errorf("%s for article %s could not be fetched: %w", f.Job.Kind, f.Job.StoreKey, f.Err)
	}
	return err
}

// Prefetch pulls everything the cache lacks for the given articles
// without rendering an artifact
func (e *Exporter) Prefetch(ctx context.Context, authKey string, articleIDs []string) error {
	if len(articleIDs) == 0 {
		return errors.New("prefetch requires at least one article ID")
	}
	return e.fetchMissing(ctx, Job{AuthKey: authKey, ArticleIDs: articleIDs})
}

// article is the fully loaded material for one article ID
type article struct {
	ID       string
	HTML     []byte
	Metadata *platform.Metadata
	Comments []platform.Comment
}

// loadArticles reads everything the renderers need from the store
func (e *Exporter) loadArticles(ids []string) ([]article, error) {
	out := make([]article, 0, len(ids))

	for _, id := range ids {
		html, err := e.store.Article(id)
		if err != nil {
			return nil, fmt.Errorf("article %s not available: %w", id, err)
		}

		a := article{ID: id, HTML: html}

		if data, err := e.store.Metadata(id); err == nil {
			a.Metadata = parseMetadata(id, data)
		}
		if data, err := e.store.Comments(id); err == nil {
			a.Comments = parseComments(data)
		}

		out = append(out, a)
	}

	return out, nil
}

// render dispatches to the per-format renderer and writes the artifact
// atomically
func (e *Exporter) render(ctx context.Context, job Job, articles []article) (*Artifact, error) {
	if err := os.MkdirAll(e.outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	name := artifactName(job.Format)
	path := filepath.Join(e.outputDir, name)

	var data []byte
	var err error
	switch job.Format {
	case FormatArchive:
		data, err = e.renderArchive(ctx, job, articles)
	case FormatJSON:
		data, err = renderJSON(articles)
	case FormatCSV:
		data, err = renderCSV(articles)
	case FormatText:
		data, err = e.renderText(articles)
	case FormatMarkdown:
		data, err = renderMarkdown(articles)
	}
	if err != nil {
		return nil, err
	}

	if err := writeAtomic(path, data); err != nil {
		return nil, err
	}

	return &Artifact{
		Name:  name,
		Path:  path,
		Size:  int64(len(data)),
		Items: len(articles),
	}, nil
}

// logEvents drains a batch's event stream into the structured log
func (e *Exporter) logEvents(events <-chan fetch.Event) {
	for ev := range events {
		fields := map[string]interface{}{
			"kind":      string(ev.Kind),
			"store_key": ev.StoreKey,
		}
		if ev.Attempt > 0 {
			fields["attempt"] = ev.Attempt
		}
		if ev.Err != nil {
			fields["error"] = ev.Err.Error()
		}

		switch ev.Type {
		case fetch.EventFailed:
			e.log.WarnWithFields("fetch failed", fields)
		case fetch.EventSessionExpired:
			e.log.WarnWithFields("session expired during export", fields)
		default:
			e.log.DebugWithFields("fetch "+string(ev.Type), fields)
		}
	}
}

// artifactName builds a timestamped file name for the format
func artifactName(format Format) string {
	stamp := time.Now().Format("20060102-150405")
	switch format {
	case FormatArchive:
		return fmt.Sprintf("export-%s.zip", stamp)
	case FormatJSON:
		return fmt.Sprintf("export-%s.json", stamp)
	case FormatCSV:
		return fmt.Sprintf("export-%s.csv", stamp)
	case FormatText:
		return fmt.Sprintf("export-%s.txt", stamp)
	case FormatMarkdown:
		return fmt.Sprintf("export-%s.md", stamp)
	default:
		return fmt.Sprintf("export-%s.bin", stamp)
	}
}

// writeAtomic writes data to a temporary file and renames it into place
// so a crashed export never leaves a partial artifact
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize artifact: %w", err)
	}
	return nil
}

// renderError wraps a renderer failure as a typed error
func renderError(format Format, err error) error {
	return errs.New(errs.ErrorTypeRender, fmt.Sprintf("%s render failed: %v", format, err), 0)
}
