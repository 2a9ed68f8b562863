// Copyright 2025 Shihao Yu
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package knowledge

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/embedding"
)

// MemoryStore is an in-process NodeStore + BM25Index + VectorIndex used by
// the --mock dev harness and by tests. It is not meant to scale, only to be
// a faithful, dependency-free reference implementation of the three
// interfaces the hybrid Retriever depends on.
type MemoryStore struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	embedder embedding.Client

	// variants maps a variant text's synthetic id to its parent node id,
	// text, and (if an embedder is configured) its embedding, so both the
	// BM25 and vector passes can search variant text and resolve hits back
	// to the parent node (spec.md §4.1).
	variants map[string]variantEntry
}

type variantEntry struct {
	parentID string
	text     string
	vec      []float32
}

var tokenPattern = regexp.MustCompile(`[a-zA-Z0-9]+`)

// NewMemoryStore builds an empty store. embedder computes node/variant
// embeddings at Put time; it may be nil, in which case Available() reports
// false and the retriever falls back to BM25-only.
func NewMemoryStore(embedder embedding.Client) *MemoryStore {
	return &MemoryStore{
		nodes:    make(map[string]*Node),
		embedder: embedder,
		variants: make(map[string]variantEntry),
	}
}

// Put inserts or replaces a node. Variant texts are always registered for
// BM25 search; their embeddings are additionally computed when an embedder
// is configured, so the vector pass can search them too.
func (s *MemoryStore) Put(ctx context.Context, n *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, n.Title+"\n"+n.Summary)
		if err != nil {
			return err
		}
		n.Embedding = vec
	}

	for i, variant := range n.Variants {
		entry := variantEntry{parentID: n.ID, text: variant}
		if s.embedder != nil {
			vvec, err := s.embedder.Embed(ctx, variant)
			if err != nil {
				return err
			}
			entry.vec = vvec
		}
		s.variants[n.ID+"#variant#"+strconv.Itoa(i)] = entry
	}

	s.nodes[n.ID] = n
	return nil
}

// GetNode implements NodeStore.
func (s *MemoryStore) GetNode(_ context.Context, id string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// GetRelated implements NodeStore by walking a node's edges.
func (s *MemoryStore) GetRelated(_ context.Context, id string, limit int) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, nil
	}
	var out []*Node
	for _, edgeID := range n.Edges {
		if related, ok := s.nodes[edgeID]; ok {
			out = append(out, related)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// FindByTitleSubstring implements NodeStore's GetSchema helper.
func (s *MemoryStore) FindByTitleSubstring(_ context.Context, substr string, filter Filter) []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lower := strings.ToLower(substr)
	var out []*Node
	for _, n := range s.nodes {
		if !n.Published || !filter.matchesTypes(n.Type) {
			continue
		}
		if filter.Tenant != "" && n.Tenant != filter.Tenant {
			continue
		}
		if strings.Contains(strings.ToLower(n.Title), lower) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SearchBM25 implements BM25Index with a plain TF-IDF-style scorer over
// title/summary/content text. It is not a faithful BM25 ranking function in
// the strict statistical sense, but preserves the contract the retriever
// needs: a ranked candidate list over the filtered node set.
func (s *MemoryStore) SearchBM25(_ context.Context, query string, filter Filter, limit int) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	queryTerms := tokenize(query)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	type scored struct {
		id    string
		score float64
	}
	var candidates []scored

	for _, n := range s.nodes {
		if !n.Published || !filter.matchesTypes(n.Type) || !filter.matchesTags(n.Tags) {
			continue
		}
		if filter.Tenant != "" && n.Tenant != filter.Tenant {
			continue
		}

		text := strings.ToLower(n.Title + " " + n.Title + " " + n.Title + " " + n.Summary + " " + n.Summary + " " + flattenContent(n.Content))
		docTerms := tokenize(text)
		if len(docTerms) == 0 {
			continue
		}
		freq := make(map[string]int, len(docTerms))
		for _, t := range docTerms {
			freq[t]++
		}

		var score float64
		for _, qt := range queryTerms {
			if c, ok := freq[qt]; ok {
				score += float64(c) / (float64(c) + 1.5)
			}
		}
		if score > 0 {
			candidates = append(candidates, scored{id: n.ID, score: score})
		}
	}

	type variantScored struct {
		parentID string
		score    float64
	}
	var variantCandidates []variantScored

	for _, ve := range s.variants {
		parent, ok := s.nodes[ve.parentID]
		if !ok || !parent.Published || !filter.matchesTypes(parent.Type) || !filter.matchesTags(parent.Tags) {
			continue
		}
		if filter.Tenant != "" && parent.Tenant != filter.Tenant {
			continue
		}

		docTerms := tokenize(ve.text)
		if len(docTerms) == 0 {
			continue
		}
		freq := make(map[string]int, len(docTerms))
		for _, t := range docTerms {
			freq[t]++
		}

		var score float64
		for _, qt := range queryTerms {
			if c, ok := freq[qt]; ok {
				score += float64(c) / (float64(c) + 1.5)
			}
		}
		if score > 0 {
			variantCandidates = append(variantCandidates, variantScored{parentID: ve.parentID, score: score})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})
	sort.SliceStable(variantCandidates, func(i, j int) bool {
		if variantCandidates[i].score != variantCandidates[j].score {
			return variantCandidates[i].score > variantCandidates[j].score
		}
		return variantCandidates[i].parentID < variantCandidates[j].parentID
	})

	hits := make([]Hit, 0, len(candidates)+len(variantCandidates))
	for _, c := range candidates {
		hits = append(hits, Hit{NodeID: c.id, Score: c.score, MatchSource: MatchNode})
	}
	for _, c := range variantCandidates {
		hits = append(hits, Hit{NodeID: c.parentID, ParentID: c.parentID, Score: c.score, MatchSource: MatchVariant})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func tokenize(s string) []string {
	return tokenPattern.FindAllString(strings.ToLower(s), -1)
}

func flattenContent(content map[string]any) string {
	var sb strings.Builder
	for k, v := range content {
		sb.WriteString(k)
		sb.WriteString(" ")
		sb.WriteString(toText(v))
		sb.WriteString(" ")
	}
	return sb.String()
}

func toText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		var sb strings.Builder
		for _, e := range t {
			sb.WriteString(toText(e))
			sb.WriteString(" ")
		}
		return sb.String()
	case map[string]any:
		return flattenContent(t)
	default:
		return ""
	}
}

// Available implements VectorIndex: vector search requires an embedder.
func (s *MemoryStore) Available() bool {
	return s.embedder != nil
}

// SearchVector implements VectorIndex over node embeddings and registered
// variant texts, using cosine similarity.
func (s *MemoryStore) SearchVector(_ context.Context, queryVec []float32, filter Filter, limit int) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		hit   Hit
		score float64
	}
	var candidates []scored

	for _, n := range s.nodes {
		if n.Embedding == nil || !n.Published || !filter.matchesTypes(n.Type) || !filter.matchesTags(n.Tags) {
			continue
		}
		if filter.Tenant != "" && n.Tenant != filter.Tenant {
			continue
		}
		sim := embedding.CosineSimilarity(queryVec, n.Embedding)
		candidates = append(candidates, scored{hit: Hit{NodeID: n.ID, MatchSource: MatchNode}, score: sim})
	}

	for _, ve := range s.variants {
		if ve.vec == nil {
			continue
		}
		parent, ok := s.nodes[ve.parentID]
		if !ok || !parent.Published || !filter.matchesTypes(parent.Type) || !filter.matchesTags(parent.Tags) {
			continue
		}
		if filter.Tenant != "" && parent.Tenant != filter.Tenant {
			continue
		}
		sim := embedding.CosineSimilarity(queryVec, ve.vec)
		candidates = append(candidates, scored{
			hit:   Hit{NodeID: ve.parentID, MatchSource: MatchVariant, ParentID: ve.parentID},
			score: sim,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].hit.NodeID < candidates[j].hit.NodeID
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	hits := make([]Hit, len(candidates))
	for i, c := range candidates {
		hits[i] = c.hit
	}
	return hits, nil
}

var _ NodeStore = (*MemoryStore)(nil)
var _ BM25Index = (*MemoryStore)(nil)
var _ VectorIndex = (*MemoryStore)(nil)
