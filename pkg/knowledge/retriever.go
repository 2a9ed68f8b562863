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
	"log/slog"
	"sort"
	"strings"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/embedding"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/logger"
)

// Filter scopes a search pass (applied during candidate generation, not
// post-filtering, per spec.md §4.1 point 4).
type Filter struct {
	Types  []NodeType
	Tags   []string
	Tenant string
}

func (f Filter) matchesTypes(t NodeType) bool {
	if len(f.Types) == 0 {
		return true
	}
	for _, want := range f.Types {
		if want == t {
			return true
		}
	}
	return false
}

func (f Filter) matchesTags(tags []string) bool {
	if len(f.Tags) == 0 {
		return true
	}
	have := make(map[string]bool, len(tags))
	for _, t := range tags {
		have[t] = true
	}
	for _, want := range f.Tags {
		if have[want] {
			return true
		}
	}
	return false
}

// Hit is one candidate from a single-pass index search (BM25 or vector).
type Hit struct {
	NodeID      string
	Score       float64
	MatchSource MatchSource
	// ParentID is set when MatchSource is variant: it names the node the
	// variant belongs to. Every backend in this package also reports that
	// parent id as NodeID for variant hits.
	ParentID string
}

// BM25Index performs the keyword pass.
type BM25Index interface {
	SearchBM25(ctx context.Context, query string, filter Filter, limit int) ([]Hit, error)
}

// VectorIndex performs the embedding-similarity pass, including any
// registered variant texts.
type VectorIndex interface {
	SearchVector(ctx context.Context, queryVec []float32, filter Filter, limit int) ([]Hit, error)
	// Available reports whether the backend can currently serve vector
	// search (spec.md §4.1 edge case: "if embeddings unavailable, fall back
	// to BM25 alone").
	Available() bool
}

// NodeStore resolves node ids to hydrated Node values.
type NodeStore interface {
	GetNode(ctx context.Context, id string) (*Node, bool)
	GetRelated(ctx context.Context, id string, limit int) ([]*Node, error)
	// FindByTitleSubstring is used by GetSchema's fallback match rule.
	FindByTitleSubstring(ctx context.Context, substr string, filter Filter) []*Node
}

// Weights configures the RRF fusion (spec.md §4.1 defaults).
type Weights struct {
	BM25 float64
	Vec  float64
	K    int
}

// DefaultWeights matches spec.md §4.1: w_bm25=0.4, w_vec=0.6, k=60.
func DefaultWeights() Weights {
	return Weights{BM25: 0.4, Vec: 0.6, K: 60}
}

// Retriever implements the hybrid fusion algorithm of spec.md §4.1 over
// pluggable BM25/vector backends.
type Retriever struct {
	bm25     BM25Index
	vector   VectorIndex
	nodes    NodeStore
	embedder embedding.Client
	weights  Weights
	log      *slog.Logger
}

// New builds a Retriever. embedder is used to embed the query text before
// the vector pass; it may be nil if vector is nil or never Available.
func New(bm25 BM25Index, vector VectorIndex, nodes NodeStore, embedder embedding.Client, weights Weights, log *slog.Logger) *Retriever {
	if log == nil {
		log = logger.Default()
	}
	return &Retriever{bm25: bm25, vector: vector, nodes: nodes, embedder: embedder, weights: weights, log: log}
}

// Search runs the hybrid fusion algorithm and returns the top `limit`
// results. Retriever failures are swallowed into an empty result (spec.md
// §4.1 "Failure" clause): callers never see an error bubble past retrieval.
func (r *Retriever) Search(ctx context.Context, query string, types []NodeType, limit int, tenant string) SearchResults {
	if strings.TrimSpace(query) == "" {
		return SearchResults{Query: query}
	}

	filter := Filter{Types: types, Tenant: tenant}
	candidateLimit := limit * 2

	bm25Hits, err := r.runBM25(ctx, query, filter, candidateLimit)
	if err != nil {
		r.log.Warn("bm25 search failed", "error", err)
		bm25Hits = nil
	}

	vecHits := r.runVector(ctx, query, filter, candidateLimit)

	fused := r.fuse(bm25Hits, vecHits)

	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		// Tie-break: higher bm25_rank (i.e. lower numeric rank value means
		// "higher" bm25 rank — spec.md §4.1 edge case), then lower id.
		bi, bj := rankOrMax(fused[i].BM25Rank), rankOrMax(fused[j].BM25Rank)
		if bi != bj {
			return bi < bj
		}
		return fused[i].Node.ID < fused[j].Node.ID
	})

	if len(fused) > limit {
		fused = fused[:limit]
	}

	return SearchResults{Query: query, Results: fused}
}

func rankOrMax(rank int) int {
	if rank == 0 {
		return int(^uint(0) >> 1)
	}
	return rank
}

func (r *Retriever) runBM25(ctx context.Context, query string, filter Filter, limit int) ([]Hit, error) {
	if r.bm25 == nil {
		return nil, nil
	}
	return r.bm25.SearchBM25(ctx, query, filter, limit)
}

// runVector embeds the query and searches the vector index. Any failure —
// including "vector search unavailable" — is absorbed here so Search can
// implement the BM25-only fallback without the caller branching.
func (r *Retriever) runVector(ctx context.Context, query string, filter Filter, limit int) []Hit {
	if r.vector == nil || !r.vector.Available() || r.embedder == nil {
		return nil
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.log.Warn("query embedding failed, falling back to bm25 only", "error", err)
		return nil
	}
	hits, err := r.vector.SearchVector(ctx, vec, filter, limit)
	if err != nil {
		r.log.Warn("vector search failed, falling back to bm25 only", "error", err)
		return nil
	}
	return hits
}

// fuse implements the RRF formula of spec.md §4.1 step 3, ported from the
// CTE-based SQL original (candidate dedup via DISTINCT ON id, keeping the
// best-ranked match source per node).
func (r *Retriever) fuse(bm25Hits, vecHits []Hit) []ScoredNode {
	type acc struct {
		nodeID      string
		bm25Rank    int
		vectorRank  int
		matchSource MatchSource
		bestVecRank int
	}

	byNode := make(map[string]*acc)

	resolve := func(h Hit) string {
		if h.MatchSource == MatchVariant {
			return h.ParentID
		}
		return h.NodeID
	}

	for i, h := range bm25Hits {
		id := resolve(h)
		a, ok := byNode[id]
		if !ok {
			a = &acc{nodeID: id}
			byNode[id] = a
		}
		if a.bm25Rank == 0 {
			a.bm25Rank = i + 1
		}
	}

	for i, h := range vecHits {
		id := resolve(h)
		a, ok := byNode[id]
		if !ok {
			a = &acc{nodeID: id}
			byNode[id] = a
		}
		rank := i + 1
		// Keep the better (lower) vector rank and remember whether it came
		// via a variant, matching "keep the higher-scoring match source".
		if a.vectorRank == 0 || rank < a.vectorRank {
			a.vectorRank = rank
			if h.MatchSource == MatchVariant {
				a.matchSource = MatchVariant
			} else {
				a.matchSource = MatchNode
			}
		}
	}

	k := float64(r.weights.K)
	var out []ScoredNode
	for id, a := range byNode {
		node, ok := r.nodes.GetNode(context.Background(), id)
		if !ok || !node.Published {
			continue
		}

		var bm25Term, vecTerm float64
		if a.bm25Rank > 0 {
			bm25Term = r.weights.BM25 / (k + float64(a.bm25Rank))
		}
		if a.vectorRank > 0 {
			vecTerm = r.weights.Vec / (k + float64(a.vectorRank))
		}

		matchSource := a.matchSource
		if matchSource == "" {
			matchSource = MatchNode
		}

		out = append(out, ScoredNode{
			Node:        node,
			Score:       bm25Term + vecTerm,
			BM25Rank:    a.bm25Rank,
			VectorRank:  a.vectorRank,
			MatchSource: matchSource,
		})
	}

	// BM25-only fallback: spec.md §4.1 edge case — when the vector pass
	// produced no hits (vector search unavailable, or it matched nothing), normalise
	// bm25 rank position to [0,1] as the score instead of the RRF blend,
	// since blending with an all-zero vector term would simply scale every
	// score by the same bm25 weight and is equivalent in ranking, but the
	// spec calls for an explicit normalised score in that mode.
	if len(vecHits) == 0 {
		n := len(out)
		if n > 0 {
			sort.SliceStable(out, func(i, j int) bool {
				return rankOrMax(out[i].BM25Rank) < rankOrMax(out[j].BM25Rank)
			})
			for i := range out {
				out[i].Score = 1.0 - float64(i)/float64(n)
			}
		}
	}

	return out
}

// GetBundle partitions Search's results by node type (spec.md §4.1).
func (r *Retriever) GetBundle(ctx context.Context, query string, limit int, tenant string) KnowledgeBundle {
	results := r.Search(ctx, query, nil, limit, tenant)

	var bundle KnowledgeBundle
	for _, sn := range results.Results {
		switch sn.Node.Type {
		case NodeSchema, NodeSchemaIndex, NodeSchemaField:
			bundle.Schemas = append(bundle.Schemas, sn)
		case NodePlaybook:
			bundle.Playbooks = append(bundle.Playbooks, sn)
		case NodeFAQ:
			bundle.FAQs = append(bundle.FAQs, sn)
		case NodeConcept:
			bundle.Concepts = append(bundle.Concepts, sn)
		case NodeExample:
			bundle.Examples = append(bundle.Examples, sn)
		}
	}
	return bundle
}

// GetNode resolves a single node by id.
func (r *Retriever) GetNode(ctx context.Context, id string) (*Node, bool) {
	return r.nodes.GetNode(ctx, id)
}

// GetRelated walks the node's edges, capped at limit.
func (r *Retriever) GetRelated(ctx context.Context, id string, limit int) ([]*Node, error) {
	return r.nodes.GetRelated(ctx, id, limit)
}

// GetSchema finds the best schema node for an entity name: a title
// substring match if one exists, else the top BM25/vector scored schema
// node (spec.md §4.1).
func (r *Retriever) GetSchema(ctx context.Context, entityName string, tenant string) *Node {
	filter := Filter{Types: []NodeType{NodeSchema}, Tenant: tenant}
	if matches := r.nodes.FindByTitleSubstring(ctx, entityName, filter); len(matches) > 0 {
		return matches[0]
	}

	results := r.Search(ctx, entityName, []NodeType{NodeSchema}, 1, tenant)
	if len(results.Results) == 0 {
		return nil
	}
	return results.Results[0].Node
}
