// Package cookies parses and merges session cookies obtained from the
// upstream platform and renders them back into a header-ready string.
package cookies

import (
	"encoding/json"
	"strings"
	"time"
)

// RevokedValue is the sentinel the platform assigns to cookies it has revoked.
// Revoked entries are kept in the jar but never rendered.
const RevokedValue = "EXPIRED"

// Record is a single parsed Set-Cookie line. Attribute keys are lower-cased;
// valueless flags (HttpOnly, Secure) are stored as "true".
type Record struct {
	Name       string            `json:"name"`
	Value      string            `json:"value"`
	Attributes map[string]string `json:"attributes,omitempty"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
}

// Jar is an insertion-order-preserving cookie set keyed by name. A later
// record with the same name replaces the earlier one.
type Jar struct {
	order   []string
	records map[string]Record
}

// NewJar creates an empty jar
func NewJar() *Jar {
	return &Jar{records: make(map[string]Record)}
}

// Parse builds a jar from raw Set-Cookie lines. Duplicate names collapse to
// the last occurrence. Lines without a name=value head are ignored.
func Parse(lines []string) *Jar {
	jar := NewJar()
	for _, line := range lines {
		if rec, ok := parseLine(line); ok {
			jar.Set(rec)
		}
	}
	return jar
}

// parseLine splits one raw Set-Cookie line into a Record. Only the first "="
// separates name from value; the value itself may contain "=".
func parseLine(line string) (Record, bool) {
	segments := strings.Split(line, ";")
	head := strings.TrimSpace(segments[0])
	name, value, found := strings.Cut(head, "=")
	name = strings.TrimSpace(name)
	if !found || name == "" {
		return Record{}, false
	}

	rec := Record{
		Name:       name,
		Value:      strings.TrimSpace(value),
		Attributes: make(map[string]string),
	}

	for _, seg := range segments[1:] {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		key, val, hasValue := strings.Cut(seg, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		if !hasValue {
			// Valueless flag such as HttpOnly or Secure
			rec.Attributes[key] = "true"
			continue
		}
		val = strings.TrimSpace(val)
		rec.Attributes[key] = val
		if key == "expires" {
			if ts := parseExpires(val); ts != nil {
				rec.ExpiresAt = ts
			}
		}
	}

	return rec, true
}

// cookieDateLayouts are the date formats cookie Expires attributes show up in.
var cookieDateLayouts = []string{
	time.RFC1123,
	"Mon, 02-Jan-2006 15:04:05 MST",
	time.RFC1123Z,
	time.ANSIC,
}

// parseExpires attempts to parse a cookie expiry date. An unparseable date
// records no expiry; it is never an error.
func parseExpires(value string) *time.Time {
	for _, layout := range cookieDateLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			utc := ts.UTC()
			return &utc
		}
	}
	return nil
}

// Set adds or replaces the record with the same name. Insertion order is
// kept for first-seen names; a replacement keeps the original position.
func (j *Jar) Set(rec Record) {
	if _, exists := j.records[rec.Name]; !exists {
		j.order = append(j.order, rec.Name)
	}
	j.records[rec.Name] = rec
}

// Get returns the record stored under name
func (j *Jar) Get(name string) (Record, bool) {
	rec, ok := j.records[name]
	return rec, ok
}

// Len returns the number of distinct cookie names in the jar
func (j *Jar) Len() int {
	return len(j.records)
}

// Records returns all records in insertion order
func (j *Jar) Records() []Record {
	out := make([]Record, 0, len(j.order))
	for _, name := range j.order {
		out = append(out, j.records[name])
	}
	return out
}

// Merge returns the right-biased union of two jars: every name present in
// incoming overwrites the record from existing. Neither input is modified.
func Merge(existing, incoming *Jar) *Jar {
	merged := NewJar()
	if existing != nil {
		for _, rec := range existing.Records() {
			merged.Set(rec)
		}
	}
	if incoming != nil {
		for _, rec := range incoming.Records() {
			merged.Set(rec)
		}
	}
	return merged
}

// Render serializes the jar as "name=value" pairs joined by "; ", skipping
// entries with an empty value or the revoked sentinel. Attributes are not
// rendered; they only matter for expiry tracking.
func (j *Jar) Render() string {
	var pairs []string
	for _, rec := range j.Records() {
		if rec.Value == "" || rec.Value == RevokedValue {
			continue
		}
		pairs = append(pairs, rec.Name+"="+rec.Value)
	}
	return strings.Join(pairs, "; ")
}

// Expired reports whether any cookie in the jar declares an expiry at or
// before now. Session cookies (no expiry) never trigger expiry; the platform
// invalidates the whole session when any cookie lapses, so one expired cookie
// invalidates the set.
func (j *Jar) Expired(now time.Time) bool {
	for _, rec := range j.records {
		if rec.ExpiresAt != nil && !rec.ExpiresAt.After(now) {
			return true
		}
	}
	return false
}

// MarshalJSON serializes the jar as an ordered record array
func (j *Jar) MarshalJSON() ([]byte, error) {
	return json.Marshal(j.Records())
}

// UnmarshalJSON rebuilds the jar from an ordered record array
func (j *Jar) UnmarshalJSON(data []byte) error {
	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return err
	}
	j.order = nil
	j.records = make(map[string]Record, len(recs))
	for _, rec := range recs {
		j.Set(rec)
	}
	return nil
}
