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

// Package builtintool ships a small fixed set of in-memory tools used by
// the dev harness's --mock mode and by tests: a lookup pair (one fast, one
// deliberately slow) and three purchase-order tools (a read-only search, a
// HIL-gated cancel_order, and a create_po requiring BUYER permission). Every tool here
// mirrors the handful spec.md's end-to-end scenarios exercise by name.
package builtintool

import (
	"context"
	"fmt"
	"time"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/tool"
)

// mockOrders is a tiny fixed order book, enough to make SearchPurchaseOrders
// and CancelOrder return plausible data without a real backend.
var mockOrders = map[string]map[string]any{
	"PO-12345": {"order_id": "PO-12345", "status": "in_transit", "eta": "2026-08-03"},
	"42":       {"order_id": "42", "status": "processing", "eta": "2026-08-05"},
}

// SearchPurchaseOrders looks up an order by id or a free-text fragment of
// one. Read-only; carries no permission requirement (spec.md §8 scenario 1).
func SearchPurchaseOrders() *tool.Spec {
	return &tool.Spec{
		Name:        "search_purchase_orders",
		Description: "Look up a purchase order's status by id.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"order_id": map[string]any{"type": "string"}},
			"required":   []string{"order_id"},
		},
		Timeout: 5 * time.Second,
		Fn: func(_ context.Context, args map[string]any) (map[string]any, error) {
			id, _ := args["order_id"].(string)
			for key, order := range mockOrders {
				if key == id || containsFold(key, id) {
					return order, nil
				}
			}
			return map[string]any{"found": false, "order_id": id}, nil
		},
	}
}

// CancelOrder cancels an order. It is destructive, so the default HIL
// heuristic gates it behind a confirmation (spec.md §8 scenario 2).
func CancelOrder() *tool.Spec {
	return &tool.Spec{
		Name:               "cancel_order",
		Description:        "Cancel a purchase order.",
		ConfirmationPrompt: "Confirm: run cancel_order on the specified order?",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"order_id": map[string]any{"type": "string"}},
			"required":   []string{"order_id"},
		},
		Timeout: 5 * time.Second,
		Fn: func(_ context.Context, args map[string]any) (map[string]any, error) {
			id, _ := args["order_id"].(string)
			return map[string]any{"order_id": id, "status": "cancelled"}, nil
		},
	}
}

// CreatePurchaseOrder requires BUYER (spec.md §8 scenario 4: permission denial).
func CreatePurchaseOrder() *tool.Spec {
	return &tool.Spec{
		Name:        "create_po",
		Description: "Create a new purchase order.",
		Permissions: []string{"BUYER"},
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"vendor": map[string]any{"type": "string"},
				"amount": map[string]any{"type": "number"},
			},
			"required": []string{"vendor", "amount"},
		},
		Timeout: 5 * time.Second,
		Fn: func(_ context.Context, args map[string]any) (map[string]any, error) {
			vendor, _ := args["vendor"].(string)
			amount, _ := args["amount"].(float64)
			return map[string]any{"order_id": "PO-NEW", "vendor": vendor, "amount": amount, "status": "created"}, nil
		},
	}
}

// SlowLookup sleeps past its own 1s timeout deliberately, so the executor's
// deadline fires and the step fails with a timeout error (spec.md §8
// scenario 3, "tool timeout, replan recovers").
func SlowLookup() *tool.Spec {
	return &tool.Spec{
		Name:        "slow_lookup",
		Description: "A lookup tool that is far slower than its timeout.",
		Timeout:     1 * time.Second,
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			select {
			case <-time.After(10 * time.Second):
				return map[string]any{"result": "too slow"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

// FastLookup is the Planner's replan substitute for SlowLookup — same
// shape, returns immediately (spec.md §8 scenario 3).
func FastLookup() *tool.Spec {
	return &tool.Spec{
		Name:        "fast_lookup",
		Description: "A fast equivalent of slow_lookup.",
		Timeout:     5 * time.Second,
		Fn: func(_ context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"result": "ok"}, nil
		},
	}
}

// RegisterAll registers every builtin tool against reg, for the dev
// harness's default mock toolset.
func RegisterAll(reg *tool.Registry) error {
	for _, spec := range []*tool.Spec{
		SearchPurchaseOrders(),
		CancelOrder(),
		CreatePurchaseOrder(),
		SlowLookup(),
		FastLookup(),
	} {
		if err := reg.Register(spec); err != nil {
			return fmt.Errorf("builtintool: register %s: %w", spec.Name, err)
		}
	}
	return nil
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	return len(haystack) >= len(needle) && indexFold(haystack, needle) >= 0
}

func indexFold(s, substr string) int {
	n, m := len(s), len(substr)
	for i := 0; i+m <= n; i++ {
		if equalFold(s[i:i+m], substr) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
