package platform

import "time"

// Metadata describes an article as reported by the platform API
type Metadata struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	PublishedAt time.Time `json:"published_at"`
	URL         string    `json:"url"`
	WordCount   int       `json:"word_count,omitempty"`
	Summary     string    `json:"summary,omitempty"`
}

// Comment is a single reader comment on an article
type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Article bundles everything fetched for one article ID
type Article struct {
	ID       string    `json:"id"`
	HTML     string    `json:"html"`
	Metadata *Metadata `json:"metadata,omitempty"`
	Comments []Comment `json:"comments,omitempty"`
}
