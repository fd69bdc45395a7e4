package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	readability "github.com/go-shiori/go-readability"

	"artex/pkg/platform"
	"artex/pkg/resolver"
)

// renderArchive produces a zip bundling each article's rewritten HTML,
// its metadata and comments as JSON, and every fetched embedded resource
// under resources/.
func (e *Exporter) renderArchive(ctx context.Context, job Job, articles []article) ([]byte, error) {
	// Fetch embedded resources first; they are third-party and
	// unauthenticated, and their failures only degrade the archive
	batch := e.queue.NewBatch(job.AuthKey)
	go e.logEvents(batch.Events())

	refsByArticle := make(map[string][]*resolver.Ref, len(articles))
	for _, a := range articles {
		refs, err := e.resolver.EnsureResources(batch, e.endpoints.ArticleURL(a.ID), a.HTML)
		if err != nil {
			batch.Cancel()
			return nil, renderError(FormatArchive, err)
		}
		refsByArticle[a.ID] = refs
	}

	if err := batch.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Wait returned before the batch settled; discard in-flight
			// results so an aborted export leaves no partial state behind
			batch.Cancel()
			return nil, err
		}
		e.log.WarnWithFields("some resources could not be fetched", map[string]interface{}{
			"failures": len(batch.Failures()),
		})
	}

	buf := new(bytes.Buffer)
	zw := zip.NewWriter(buf)

	written := make(map[string]bool)
	for _, a := range articles {
		refs := refsByArticle[a.ID]
		e.resolver.Finalize(refs)

		html, err := resolver.Rewrite(e.endpoints.ArticleURL(a.ID), a.HTML, refs)
		if err != nil {
			// Unrewritable HTML ships as fetched
			html = a.HTML
		}

		if err := addZipFile(zw, a.ID+".html", html); err != nil {
			return nil, renderError(FormatArchive, err)
		}

		if a.Metadata != nil {
			data, err := json.MarshalIndent(a.Metadata, "", "  ")
			if err != nil {
				return nil, renderError(FormatArchive, err)
			}
			if err := addZipFile(zw, a.ID+".meta.json", data); err != nil {
				return nil, renderError(FormatArchive, err)
			}
		}
		if a.Comments != nil {
			data, err := json.MarshalIndent(a.Comments, "", "  ")
			if err != nil {
				return nil, renderError(FormatArchive, err)
			}
			if err := addZipFile(zw, a.ID+".comments.json", data); err != nil {
				return nil, renderError(FormatArchive, err)
			}
		}

		for _, ref := range refs {
			if ref.Status != resolver.StatusFetched || written[ref.LocalKey] {
				continue
			}
			data, err := e.store.Resource(ref.LocalKey)
			if err != nil {
				continue
			}
			if err := addZipFile(zw, "resources/"+ref.LocalKey, data); err != nil {
				return nil, renderError(FormatArchive, err)
			}
			written[ref.LocalKey] = true
		}
	}

	if err := zw.Close(); err != nil {
		return nil, renderError(FormatArchive, err)
	}
	return buf.Bytes(), nil
}

func addZipFile(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// exportDocument is the structured JSON shape of one exported article
type exportDocument struct {
	ID       string             `json:"id"`
	Metadata *platform.Metadata `json:"metadata,omitempty"`
	Comments []platform.Comment `json:"comments,omitempty"`
	HTML     string             `json:"html"`
}

// renderJSON produces one structured document per article
func renderJSON(articles []article) ([]byte, error) {
	docs := make([]exportDocument, 0, len(articles))
	for _, a := range articles {
		docs = append(docs, exportDocument{
			ID:       a.ID,
			Metadata: a.Metadata,
			Comments: a.Comments,
			HTML:     string(a.HTML),
		})
	}

	data, err := json.MarshalIndent(struct {
		ExportedAt time.Time        `json:"exported_at"`
		Articles   []exportDocument `json:"articles"`
	}{time.Now().UTC(), docs}, "", "  ")
	if err != nil {
		return nil, renderError(FormatJSON, err)
	}
	return data, nil
}

// renderCSV produces one metadata row per article
func renderCSV(articles []article) ([]byte, error) {
	buf := new(bytes.Buffer)
	w := csv.NewWriter(buf)

	if err := w.Write([]string{"id", "title", "author", "published_at", "url", "word_count"}); err != nil {
		return nil, renderError(FormatCSV, err)
	}

	for _, a := range articles {
		row := []string{a.ID, "", "", "", "", ""}
		if m := a.Metadata; m != nil {
			row[1] = m.Title
			row[2] = m.Author
			if !m.PublishedAt.IsZero() {
				row[3] = m.PublishedAt.UTC().Format(time.RFC3339)
			}
			row[4] = m.URL
			if m.WordCount > 0 {
				row[5] = strconv.Itoa(m.WordCount)
			}
		}
		if err := w.Write(row); err != nil {
			return nil, renderError(FormatCSV, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, renderError(FormatCSV, err)
	}
	return buf.Bytes(), nil
}

// renderText extracts readable plain text from each article
func (e *Exporter) renderText(articles []article) ([]byte, error) {
	var sections []string

	for _, a := range articles {
		pageURL, err := url.Parse(e.endpoints.ArticleURL(a.ID))
		if err != nil {
			return nil, renderError(FormatText, err)
		}

		parsed, err := readability.FromReader(bytes.NewReader(a.HTML), pageURL)
		if err != nil {
			return nil, renderError(FormatText, fmt.Errorf("article %s: %w", a.ID, err))
		}

		title := parsed.Title
		if a.Metadata != nil && a.Metadata.Title != "" {
			title = a.Metadata.Title
		}

		section := strings.TrimSpace(parsed.TextContent)
		if title != "" {
			section = title + "\n\n" + section
		}
		sections = append(sections, section)
	}

	return []byte(strings.Join(sections, "\n\n----\n\n") + "\n"), nil
}

// renderMarkdown converts each article's HTML to markdown
func renderMarkdown(articles []article) ([]byte, error) {
	conv := md.NewConverter("", true, nil)

	var sections []string
	for _, a := range articles {
		body, err := conv.ConvertString(string(a.HTML))
		if err != nil {
			return nil, renderError(FormatMarkdown, fmt.Errorf("article %s: %w", a.ID, err))
		}

		if a.Metadata != nil && a.Metadata.Title != "" {
			body = "# " + a.Metadata.Title + "\n\n" + body
		}
		sections = append(sections, strings.TrimSpace(body))
	}

	return []byte(strings.Join(sections, "\n\n---\n\n") + "\n"), nil
}

// parseMetadata decodes stored metadata JSON, tolerating corrupt blobs
func parseMetadata(id string, data []byte) *platform.Metadata {
	var m platform.Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	if m.ID == "" {
		m.ID = id
	}
	return &m
}

// parseComments decodes stored comments JSON, tolerating corrupt blobs
func parseComments(data []byte) []platform.Comment {
	var comments []platform.Comment
	if err := json.Unmarshal(data, &comments); err != nil {
		return nil
	}
	return comments
}
