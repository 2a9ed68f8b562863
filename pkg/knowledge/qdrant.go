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

	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig configures the Qdrant-backed VectorIndex.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
}

// QdrantVectorIndex implements VectorIndex against a Qdrant collection,
// where each point's payload carries the node's type/tenant/published
// fields and a "parent_id" field. The search filter applies tenant,
// published, and the type when Filter names exactly one; tags are not
// stored or filtered on. SearchVector reports a point whose payload has
// "variant": true as a variant hit.
type QdrantVectorIndex struct {
	client *qdrant.Client
	cfg    QdrantConfig
}

// NewQdrantVectorIndex dials Qdrant eagerly, matching the teacher's
// fail-fast-with-remediation-hint style for external vector backends.
func NewQdrantVectorIndex(cfg QdrantConfig) (*QdrantVectorIndex, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "knowledge_nodes"
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: failed to create qdrant client for %s:%d: %w\n"+
			"  - ensure qdrant is running and reachable\n"+
			"  - verify host/port/api_key configuration",
			cfg.Host, cfg.Port, err)
	}

	return &QdrantVectorIndex{client: client, cfg: cfg}, nil
}

// Available implements VectorIndex.
func (q *QdrantVectorIndex) Available() bool { return q != nil && q.client != nil }

// Upsert stores a node's own embedding in the configured collection,
// creating it on first use. It writes no points for the node's variant
// texts.
func (q *QdrantVectorIndex) Upsert(ctx context.Context, n *Node) error {
	if n.Embedding == nil {
		return nil
	}

	exists, err := q.client.CollectionExists(ctx, q.cfg.Collection)
	if err != nil {
		return fmt.Errorf("knowledge: checking qdrant collection: %w", err)
	}
	if !exists {
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.cfg.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(len(n.Embedding)),
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return fmt.Errorf("knowledge: creating qdrant collection: %w", err)
		}
	}

	points := []*qdrant.PointStruct{nodePoint(n, n.ID, n.Embedding, "")}
	if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.cfg.Collection,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("knowledge: upserting qdrant point: %w", err)
	}
	return nil
}

func nodePoint(n *Node, pointID string, vec []float32, variantText string) *qdrant.PointStruct {
	payload := map[string]*qdrant.Value{
		"type":      qdrant.NewValueString(string(n.Type)),
		"tenant":    qdrant.NewValueString(n.Tenant),
		"published": qdrant.NewValueBool(n.Published),
	}
	if variantText != "" {
		payload["parent_id"] = qdrant.NewValueString(n.ID)
		payload["variant"] = qdrant.NewValueBool(true)
	} else {
		payload["parent_id"] = qdrant.NewValueString(n.ID)
	}

	return &qdrant.PointStruct{
		Id:      qdrant.NewID(pointID),
		Vectors: qdrant.NewVectors(vec...),
		Payload: payload,
	}
}

// SearchVector implements VectorIndex.
func (q *QdrantVectorIndex) SearchVector(ctx context.Context, queryVec []float32, filter Filter, limit int) ([]Hit, error) {
	req := &qdrant.QueryPoints{
		CollectionName: q.cfg.Collection,
		Query:          qdrant.NewQuery(queryVec...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if qf := buildQdrantFilter(filter); qf != nil {
		req.Filter = qf
	}

	result, err := q.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("knowledge: qdrant query: %w", err)
	}

	hits := make([]Hit, 0, len(result))
	for _, point := range result {
		parentID := point.Id.GetUuid()
		isVariant := false
		if payload := point.GetPayload(); payload != nil {
			if v, ok := payload["parent_id"]; ok && v.GetStringValue() != "" {
				parentID = v.GetStringValue()
			}
			if v, ok := payload["variant"]; ok && v.GetBoolValue() {
				isVariant = true
			}
		}
		source := MatchNode
		if isVariant {
			source = MatchVariant
		}
		hits = append(hits, Hit{NodeID: parentID, ParentID: parentID, Score: float64(point.GetScore()), MatchSource: source})
	}
	return hits, nil
}

func buildQdrantFilter(filter Filter) *qdrant.Filter {
	var conditions []*qdrant.Condition

	if filter.Tenant != "" {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key:   "tenant",
					Match: qdrant.NewMatch(filter.Tenant),
				},
			},
		})
	}
	conditions = append(conditions, &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   "published",
				Match: qdrant.NewMatchBool(true),
			},
		},
	})

	if len(filter.Types) == 1 {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key:   "type",
					Match: qdrant.NewMatch(string(filter.Types[0])),
				},
			},
		})
	}

	if len(conditions) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: conditions}
}

var _ VectorIndex = (*QdrantVectorIndex)(nil)
