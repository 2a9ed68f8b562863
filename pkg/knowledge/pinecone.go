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
	"fmt"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"
)

// PineconeConfig configures the Pinecone-backed VectorIndex.
type PineconeConfig struct {
	APIKey    string
	Host      string
	IndexName string
}

// PineconeVectorIndex implements VectorIndex against a managed Pinecone
// index, one alternative to QdrantVectorIndex for production deployments
// that prefer a hosted vector store.
type PineconeVectorIndex struct {
	client    *pinecone.Client
	indexName string
}

// NewPineconeVectorIndex creates a Pinecone-backed VectorIndex.
func NewPineconeVectorIndex(cfg PineconeConfig) (*PineconeVectorIndex, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("knowledge: pinecone api key is required")
	}

	params := pinecone.NewClientParams{ApiKey: cfg.APIKey}
	if cfg.Host != "" {
		params.Host = cfg.Host
	}

	client, err := pinecone.NewClient(params)
	if err != nil {
		return nil, fmt.Errorf("knowledge: creating pinecone client: %w", err)
	}

	indexName := cfg.IndexName
	if indexName == "" {
		indexName = "knowledge-nodes"
	}

	return &PineconeVectorIndex{client: client, indexName: indexName}, nil
}

// Available implements VectorIndex.
func (p *PineconeVectorIndex) Available() bool { return p != nil && p.client != nil }

// SearchVector implements VectorIndex.
func (p *PineconeVectorIndex) SearchVector(ctx context.Context, queryVec []float32, filter Filter, limit int) ([]Hit, error) {
	indexConn, err := p.client.Index(pinecone.NewIndexConnParams{Host: p.indexName})
	if err != nil {
		return nil, fmt.Errorf("knowledge: connecting to pinecone index %s: %w", p.indexName, err)
	}
	defer indexConn.Close()

	metadataFilter, err := buildPineconeFilter(filter)
	if err != nil {
		return nil, err
	}

	resp, err := indexConn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          queryVec,
		TopK:            uint32(limit),
		MetadataFilter:  metadataFilter,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: pinecone query: %w", err)
	}

	hits := make([]Hit, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		nodeID := m.Vector.Id
		source := MatchNode
		if m.Vector.Metadata != nil {
			if fields := m.Vector.Metadata.GetFields(); fields != nil {
				if parentID, ok := fields["parent_id"]; ok && parentID.GetStringValue() != "" {
					nodeID = parentID.GetStringValue()
				}
				if isVariant, ok := fields["variant"]; ok && isVariant.GetBoolValue() {
					source = MatchVariant
				}
			}
		}
		hits = append(hits, Hit{NodeID: nodeID, ParentID: nodeID, Score: float64(m.Score), MatchSource: source})
	}
	return hits, nil
}

func buildPineconeFilter(filter Filter) (*pinecone.MetadataFilter, error) {
	m := map[string]any{"published": true}
	if filter.Tenant != "" {
		m["tenant"] = filter.Tenant
	}
	if len(filter.Types) == 1 {
		m["type"] = string(filter.Types[0])
	}

	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("knowledge: building pinecone filter: %w", err)
	}
	return s, nil
}

var _ VectorIndex = (*PineconeVectorIndex)(nil)
