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

// Package knowledge implements the hybrid (BM25 + vector) Knowledge
// Retriever (spec.md §4.1): a query against a tenant-scoped knowledge graph
// returns nodes ranked by Reciprocal Rank Fusion of a keyword pass and a
// vector pass.
package knowledge

// NodeType enumerates the kinds of knowledge graph node.
type NodeType string

const (
	NodeSchema        NodeType = "schema"
	NodePlaybook      NodeType = "playbook"
	NodeFAQ           NodeType = "faq"
	NodeConcept       NodeType = "concept"
	NodeExample       NodeType = "example"
	NodePermissionRule NodeType = "permission_rule"
	NodeEntity        NodeType = "entity"
	NodeSchemaIndex   NodeType = "schema_index"
	NodeSchemaField   NodeType = "schema_field"
)

// Node is one vertex of the knowledge graph's directed multigraph.
type Node struct {
	ID      string
	Type    NodeType
	Title   string
	Content map[string]any
	Summary string
	Tags    []string
	Tenant  string
	Edges   []string

	// Published gates whether the node participates in search at all
	// (spec.md §4.1: "published-status only").
	Published bool

	// Embedding is the node's own body vector; may be nil if the backend
	// does not pre-compute it (the retriever embeds query text, not nodes,
	// at search time against a VectorIndex that owns storage).
	Embedding []float32

	// Variants are alternative phrasings of the node's question/intent,
	// embedded and searched independently; a variant hit resolves back to
	// this node (spec.md §4.1).
	Variants []string
}

// MatchSource records which pass (or both) produced a candidate hit.
type MatchSource string

const (
	MatchNode    MatchSource = "node"
	MatchVariant MatchSource = "variant"
)

// ScoredNode is one ranked result.
type ScoredNode struct {
	Node        *Node
	Score       float64
	BM25Rank    int // 0 if absent from the BM25 pass
	VectorRank  int // 0 if absent from the vector pass
	MatchSource MatchSource
}

// SearchResults is a ranked, deduplicated result set.
type SearchResults struct {
	Query   string
	Results []ScoredNode
}

// KnowledgeBundle partitions search results by node type for direct prompt
// assembly (spec.md §4.1).
type KnowledgeBundle struct {
	Schemas   []ScoredNode
	Playbooks []ScoredNode
	FAQs      []ScoredNode
	Concepts  []ScoredNode
	Examples  []ScoredNode
}
