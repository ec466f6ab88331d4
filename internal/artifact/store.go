// Package artifact is the per-run artifact store. Artifacts are files under
// <logsRoot>/artifacts with names unique per run; every write appends an
// index row carrying the producing step and a blake3 content digest so
// downstream consumers can verify what they reuse.
package artifact

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"

	"github.com/courseforge/courseforge/internal/runstate"
)

// ErrMissing is returned by Get when no artifact exists under the given name.
var ErrMissing = errors.New("artifact missing")

type IndexRow struct {
	Step   string    `json:"step"`
	Name   string    `json:"name"`
	Digest string    `json:"digest"`
	Bytes  int       `json:"bytes"`
	At     time.Time `json:"at"`
}

type Store struct {
	mu   sync.Mutex
	root string
	// name -> latest index row
	index map[string]IndexRow
}

func NewStore(logsRoot string) (*Store, error) {
	root := filepath.Join(logsRoot, "artifacts")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	s := &Store{root: root, index: map[string]IndexRow{}}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) indexPath() string {
	return filepath.Join(s.root, "index.ndjson")
}

func (s *Store) loadIndex() error {
	b, err := os.ReadFile(s.indexPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var row IndexRow
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return fmt.Errorf("decode %s: %w", s.indexPath(), err)
		}
		s.index[row.Name] = row
	}
	return nil
}

func validName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("artifact name is empty")
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, "..") {
		return fmt.Errorf("artifact name escapes store: %q", name)
	}
	return nil
}

// Put writes one artifact produced by step. Re-putting the same name from the
// same step replaces the content (the QA loop re-derives its working set);
// a different step overwriting an existing name is refused.
func (s *Store) Put(step string, name string, content []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.index[name]; ok && prev.Step != step {
		return fmt.Errorf("artifact %q already produced by step %q (put from %q refused)", name, prev.Step, step)
	}

	path := filepath.Join(s.root, filepath.FromSlash(name))
	if err := runstate.WriteFileAtomic(path, content); err != nil {
		return err
	}
	sum := blake3.Sum256(content)
	row := IndexRow{
		Step:   step,
		Name:   name,
		Digest: hex.EncodeToString(sum[:]),
		Bytes:  len(content),
		At:     time.Now().UTC(),
	}
	line, err := json.Marshal(row)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.indexPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	s.index[name] = row
	return nil
}

// PutJSON marshals v with indentation and stores it under name.
func (s *Store) PutJSON(step string, name string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return s.Put(step, name, append(b, '\n'))
}

// Get returns artifact content, or ErrMissing.
func (s *Store) Get(name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	_, ok := s.index[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissing, name)
	}
	b, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(name)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, name)
		}
		return nil, err
	}
	return b, nil
}

// GetJSON unmarshals a stored JSON artifact into v.
func (s *Store) GetJSON(name string, v any) error {
	b, err := s.Get(name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode artifact %s: %w", name, err)
	}
	return nil
}

// Has reports whether an artifact exists.
func (s *Store) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[name]
	return ok
}

// Names lists all artifact names in sorted order.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.index))
	for n := range s.index {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Glob returns the artifact names matching a doublestar pattern, sorted.
func (s *Store) Glob(pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for n := range s.index {
		ok, err := doublestar.Match(pattern, n)
		if err != nil {
			return nil, fmt.Errorf("bad artifact pattern %q: %w", pattern, err)
		}
		if ok {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Row returns the latest index row for an artifact.
func (s *Store) Row(name string) (IndexRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.index[name]
	return row, ok
}
