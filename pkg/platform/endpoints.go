package platform

import (
	"fmt"
	"net/url"
	"strings"
)

// Endpoints builds platform URLs relative to a configured base URL
type Endpoints struct {
	baseURL string
}

// NewEndpoints creates an endpoint builder for the given base URL
func NewEndpoints(baseURL string) *Endpoints {
	return &Endpoints{baseURL: strings.TrimRight(baseURL, "/")}
}

// ArticleURL returns the URL serving an article's HTML content
func (e *Endpoints) ArticleURL(articleID string) string {
	return fmt.Sprintf("%s/articles/%s", e.baseURL, url.PathEscape(articleID))
}

// MetadataURL returns the URL serving an article's metadata JSON
func (e *Endpoints) MetadataURL(articleID string) string {
	return fmt.Sprintf("%s/api/articles/%s/metadata", e.baseURL, url.PathEscape(articleID))
}

// CommentsURL returns the URL serving an article's comments JSON
func (e *Endpoints) CommentsURL(articleID string) string {
	return fmt.Sprintf("%s/api/articles/%s/comments", e.baseURL, url.PathEscape(articleID))
}
