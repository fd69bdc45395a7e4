package storage

import (
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestArticleRoundTrip(t *testing.T) {
	store := newTestStore(t)

	if store.HasArticle("a1") {
		t.Error("HasArticle should be false before save")
	}
	if _, err := store.Article("a1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := store.SaveArticle("a1", []byte("<html/>")); err != nil {
		t.Fatalf("SaveArticle failed: %v", err)
	}

	if !store.HasArticle("a1") {
		t.Error("HasArticle should be true after save")
	}
	data, err := store.Article("a1")
	if err != nil {
		t.Fatalf("Article failed: %v", err)
	}
	if string(data) != "<html/>" {
		t.Errorf("unexpected content: %q", data)
	}
}

func TestKeyspacesAreIndependent(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveArticle("x", []byte("html")); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveMetadata("x", []byte("meta")); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveComments("x", []byte("comments")); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveResource("x", []byte("resource")); err != nil {
		t.Fatal(err)
	}

	article, _ := store.Article("x")
	meta, _ := store.Metadata("x")
	comments, _ := store.Comments("x")
	resource, _ := store.Resource("x")

	if string(article) != "html" || string(meta) != "meta" ||
		string(comments) != "comments" || string(resource) != "resource" {
		t.Errorf("keyspaces collided: %q %q %q %q", article, meta, comments, resource)
	}
}

func TestPersistRoutesByKind(t *testing.T) {
	store := newTestStore(t)

	cases := []struct {
		kind string
		has  func(string) bool
	}{
		{"content", store.HasArticle},
		{"metadata", store.HasMetadata},
		{"comments", store.HasComments},
		{"resource", store.HasResource},
	}

	for _, tc := range cases {
		if err := store.Persist(tc.kind, "k-"+tc.kind, []byte("v")); err != nil {
			t.Fatalf("Persist(%s) failed: %v", tc.kind, err)
		}
		if !tc.has("k-" + tc.kind) {
			t.Errorf("Persist(%s) did not land in its keyspace", tc.kind)
		}
	}

	if err := store.Persist("bogus", "k", []byte("v")); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestHasRoutesByKind(t *testing.T) {
	store := newTestStore(t)

	_ = store.SaveArticle("a", []byte("v"))

	if !store.Has("content", "a") {
		t.Error("Has(content) should see saved article")
	}
	if store.Has("metadata", "a") {
		t.Error("Has(metadata) should not see article keyspace")
	}
	if store.Has("bogus", "a") {
		t.Error("Has with unknown kind should be false")
	}
}

func TestSaveOverwrites(t *testing.T) {
	store := newTestStore(t)

	_ = store.SaveArticle("a", []byte("old"))
	_ = store.SaveArticle("a", []byte("new"))

	data, err := store.Article("a")
	if err != nil {
		t.Fatalf("Article failed: %v", err)
	}
	if string(data) != "new" {
		t.Errorf("expected overwrite, got %q", data)
	}
}
