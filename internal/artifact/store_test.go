package artifact

import (
	"errors"
	"strings"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Put("outline", "outline.json", []byte(`{"topic":"sepsis"}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	b, err := s.Get("outline.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(b) != `{"topic":"sepsis"}` {
		t.Fatalf("content: %s", b)
	}
	row, ok := s.Row("outline.json")
	if !ok || row.Step != "outline" || row.Digest == "" || row.Bytes != len(b) {
		t.Fatalf("row: %+v", row)
	}
}

func TestGet_MissingIsTypedError(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := s.Get("nope.json"); !errors.Is(err, ErrMissing) {
		t.Fatalf("got %v, want ErrMissing", err)
	}
}

func TestPut_CrossStepOverwriteRefused(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Put("slides", "deck.json", []byte(`{}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	err = s.Put("qa", "deck.json", []byte(`{}`))
	if err == nil || !strings.Contains(err.Error(), "already produced by step") {
		t.Fatalf("got %v, want cross-step refusal", err)
	}
	// Same step may replace its own artifact.
	if err := s.Put("slides", "deck.json", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("same-step replace: %v", err)
	}
}

func TestPut_NameEscapingStoreRefused(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	for _, name := range []string{"", "../escape.json", "/abs.json"} {
		if err := s.Put("outline", name, []byte(`{}`)); err == nil {
			t.Fatalf("name %q accepted", name)
		}
	}
}

func TestGlob_MatchesNestedNames(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	for _, name := range []string{"slides/slide-001.json", "slides/slide-002.json", "deck.json"} {
		if err := s.Put("slides", name, []byte(`{}`)); err != nil {
			t.Fatalf("Put %s: %v", name, err)
		}
	}
	matches, err := s.Glob("slides/slide-*.json")
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(matches) != 2 || matches[0] != "slides/slide-001.json" {
		t.Fatalf("matches: %v", matches)
	}
	none, err := s.Glob("final/*.json")
	if err != nil || len(none) != 0 {
		t.Fatalf("got %v %v, want empty", none, err)
	}
}

func TestIndexSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	s, err := NewStore(root)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.PutJSON("outline", "outline.json", map[string]string{"topic": "sepsis"}); err != nil {
		t.Fatalf("PutJSON: %v", err)
	}

	reopened, err := NewStore(root)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !reopened.Has("outline.json") {
		t.Fatal("index lost on reopen")
	}
	var doc map[string]string
	if err := reopened.GetJSON("outline.json", &doc); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if doc["topic"] != "sepsis" {
		t.Fatalf("doc: %v", doc)
	}
}
