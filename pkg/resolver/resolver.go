// Package resolver discovers the resources embedded in article HTML
// (images, media, stylesheets), schedules the missing ones for fetching,
// and rewrites the HTML to reference the locally stored copies.
package resolver

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"artex/pkg/fetch"
	"artex/pkg/logger"
)

// Status tracks a resource through its lifecycle
type Status string

const (
	StatusPending Status = "pending"
	StatusFetched Status = "fetched"
	StatusFailed  Status = "failed"
)

// Ref is one embedded resource discovered in article HTML
type Ref struct {
	SourceURL string
	LocalKey  string
	Status    Status
}

// ResourceStore answers whether a resource blob is already stored
type ResourceStore interface {
	HasResource(key string) bool
}

// selector matches every element carrying an embeddable resource URL
const selector = "img[src], source[src], video[src], audio[src], link[rel='stylesheet'][href]"

// Resolver deduplicates resource fetches across batches by source URL
type Resolver struct {
	mu    sync.Mutex
	refs  map[string]*Ref // source URL -> ref
	store ResourceStore
	log   logger.Logger
}

// New creates a resolver over the given resource store
func New(store ResourceStore, log logger.Logger) *Resolver {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Resolver{
		refs:  make(map[string]*Ref),
		store: store,
		log:   log,
	}
}

// LocalKey derives the stable storage key for a resource URL: a content
// address of the URL itself plus the original extension.
func LocalKey(sourceURL string) string {
	sum := sha256.Sum256([]byte(sourceURL))
	key := hex.EncodeToString(sum[:])[:16]

	if u, err := url.Parse(sourceURL); err == nil {
		if ext := path.Ext(u.Path); ext != "" && len(ext) <= 8 {
			key += ext
		}
	}
	return key
}

// Discover parses the HTML and returns the absolute URLs of every
// embedded resource, in document order, deduplicated.
func Discover(baseURL string, html []byte) ([]string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	seen := make(map[string]bool)
	var urls []string

	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		raw := resourceAttr(sel)
		abs := absolutize(base, raw)
		if abs == "" || seen[abs] {
			return
		}
		seen[abs] = true
		urls = append(urls, abs)
	})

	return urls, nil
}

// EnsureResources discovers the resources in html and enqueues a fetch
// job for each one not yet stored. Repeated calls for the same URLs never
// enqueue duplicates.
func (r *Resolver) EnsureResources(batch *fetch.Batch, baseURL string, html []byte) ([]*Ref, error) {
	urls, err := Discover(baseURL, html)
	if err != nil {
		return nil, err
	}

	var refs []*Ref
	for _, sourceURL := range urls {
		ref, enqueue := r.track(sourceURL)
		refs = append(refs, ref)

		if !enqueue {
			continue
		}
		if _, err := batch.Enqueue(fetch.KindResource, sourceURL, ref.LocalKey); err != nil {
			r.markFailed(sourceURL)
			r.log.WarnWithFields("failed to enqueue resource", map[string]interface{}{
				"url":   sourceURL,
				"error": err.Error(),
			})
		}
	}

	return refs, nil
}

// track registers a source URL and reports whether it needs fetching
func (r *Resolver) track(sourceURL string) (*Ref, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ref, ok := r.refs[sourceURL]; ok {
		return ref, false
	}

	ref := &Ref{
		SourceURL: sourceURL,
		LocalKey:  LocalKey(sourceURL),
		Status:    StatusPending,
	}
	if r.store.HasResource(ref.LocalKey) {
		ref.Status = StatusFetched
		r.refs[sourceURL] = ref
		return ref, false
	}

	r.refs[sourceURL] = ref
	return ref, true
}

func (r *Resolver) markFailed(sourceURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ref, ok := r.refs[sourceURL]; ok {
		ref.Status = StatusFailed
	}
}

// Finalize re-checks the store after the batch settled and fixes each
// ref's status. Missing resources become failed, present ones fetched.
func (r *Resolver) Finalize(refs []*Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ref := range refs {
		if r.store.HasResource(ref.LocalKey) {
			ref.Status = StatusFetched
		} else {
			ref.Status = StatusFailed
		}
	}
}

// Rewrite replaces each fetched resource's URL in the HTML with its local
// path under the resources/ directory. Failed resources keep their
// original URLs.
func Rewrite(baseURL string, html []byte, refs []*Ref) ([]byte, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	local := make(map[string]string, len(refs))
	for _, ref := range refs {
		if ref.Status == StatusFetched {
			local[ref.SourceURL] = "resources/" + ref.LocalKey
		}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		raw := resourceAttr(sel)
		abs := absolutize(base, raw)
		target, ok := local[abs]
		if !ok {
			return
		}
		if goquery.NodeName(sel) == "link" {
			sel.SetAttr("href", target)
		} else {
			sel.SetAttr("src", target)
		}
	})

	out, err := doc.Html()
	if err != nil {
		return nil, fmt.Errorf("failed to render HTML: %w", err)
	}
	return []byte(out), nil
}

// resourceAttr returns the URL-bearing attribute of a matched element
func resourceAttr(sel *goquery.Selection) string {
	if goquery.NodeName(sel) == "link" {
		href, _ := sel.Attr("href")
		return href
	}
	src, _ := sel.Attr("src")
	return src
}

// absolutize resolves raw against base, dropping data URIs, fragments,
// and anything unparseable
func absolutize(base *url.URL, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "data:") || strings.HasPrefix(raw, "#") {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}

	abs := base.ResolveReference(u)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	abs.Fragment = ""
	return abs.String()
}
