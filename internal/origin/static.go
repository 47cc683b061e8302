package origin

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Relation is a known copy point between two URLs of a repository, in the
// direction source -> target.
type Relation struct {
	Repo           string `yaml:"repo"`
	Source         string `yaml:"source"`
	SourceRevision int64  `yaml:"source_revision"`
	Target         string `yaml:"target"`
	TargetRevision int64  `yaml:"target_revision"`
}

type relationKey struct {
	repo, source, target string
}

// Static is a Finder answering from a fixed table of relations. A query in
// either direction of a known relation matches it.
//
// Thread-safe.
type Static struct {
	mu        sync.RWMutex
	relations map[relationKey]Relation
	calls     int
}

// NewStatic creates a Static finder with the given relations.
func NewStatic(relations ...Relation) *Static {
	s := &Static{
		relations: make(map[relationKey]Relation),
	}
	for _, r := range relations {
		s.Add(r)
	}
	return s
}

// Add registers a relation.
func (s *Static) Add(r Relation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relations[relationKey{r.Repo, r.Source, r.Target}] = r
}

// Calls returns how many queries have been answered.
func (s *Static) Calls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls
}

// FindFirstCopyPoint implements Finder.
func (s *Static) FindFirstCopyPoint(ctx context.Context, repoID, sourceURL, targetURL string) (*CopyPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if r, ok := s.relations[relationKey{repoID, sourceURL, targetURL}]; ok {
		return &CopyPoint{SourceIsOrigin: true, CopySourceRevision: r.SourceRevision, CopyTargetRevision: r.TargetRevision}, nil
	}
	if r, ok := s.relations[relationKey{repoID, targetURL, sourceURL}]; ok {
		return &CopyPoint{SourceIsOrigin: false, CopySourceRevision: r.SourceRevision, CopyTargetRevision: r.TargetRevision}, nil
	}
	return nil, nil
}

// LoadRelations reads a YAML list of relations from path.
func LoadRelations(path string) ([]Relation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Relations []Relation `yaml:"relations"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	for i, r := range doc.Relations {
		if r.Repo == "" || r.Source == "" || r.Target == "" {
			return nil, fmt.Errorf("%s: relation %d: repo, source and target are required", path, i)
		}
	}
	return doc.Relations, nil
}
