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

package tool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/blackboard"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/reqctx"
)

func testCtx(perms ...string) reqctx.RequestContext {
	return reqctx.RequestContext{
		User:      reqctx.User{ID: "u1", Permissions: perms},
		SessionID: "s1",
	}
}

func TestExecutor_ToolNotFound(t *testing.T) {
	e := NewExecutor(NewRegistry(), nil)
	result := e.Execute(context.Background(), testCtx(), Call{ID: "c1", Name: "missing"}, nil)
	assert.False(t, result.Success)
	assert.Equal(t, "tool not found", result.Error)
}

func TestExecutor_PermissionDenied(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Spec{
		Name:        "lookup_order",
		Permissions: []string{"orders:read"},
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		},
	}))

	e := NewExecutor(reg, nil)
	result := e.Execute(context.Background(), testCtx(), Call{ID: "c1", Name: "lookup_order"}, nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "permission denied")
}

func TestExecutor_SuccessWithCompaction(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Spec{
		Name: "lookup_order",
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"id": "o1", "items": []string{"a", "b", "c"}}, nil
		},
		Compact: func(result map[string]any) map[string]any {
			return map[string]any{"id": result["id"]}
		},
	}))

	bb := blackboard.New(testCtx(), "what's my order status")
	e := NewExecutor(reg, nil)
	result := e.Execute(context.Background(), testCtx(), Call{ID: "c1", Name: "lookup_order"}, bb)

	require.True(t, result.Success)
	require.NotNil(t, result.CompactResult)

	stored, ok := bb.GetToolResult("c1")
	require.True(t, ok)
	assert.True(t, stored.Success)
}

func TestExecutor_DestructiveToolRequiresHIL(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Spec{
		Name: "cancel_order",
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"cancelled": true}, nil
		},
	}))

	bb := blackboard.New(testCtx(), "cancel my order")
	e := NewExecutor(reg, nil)
	result := e.Execute(context.Background(), testCtx(), Call{ID: "c1", Name: "cancel_order"}, bb)

	require.True(t, result.Success)
	resMap, ok := result.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, StatusAwaitingApproval, resMap["status"])
	assert.True(t, bb.HasPendingInteractions())
}

func TestExecutor_AmountOverThresholdRequiresHIL(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Spec{
		Name: "issue_refund",
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"refunded": true}, nil
		},
	}))

	e := NewExecutor(reg, nil)

	small := e.Execute(context.Background(), testCtx(), Call{ID: "c1", Name: "issue_refund", Args: map[string]any{"amount": 50.0}}, nil)
	require.True(t, small.Success)
	smallMap := small.Result.(map[string]any)
	assert.NotEqual(t, StatusAwaitingApproval, smallMap["status"])

	big := e.Execute(context.Background(), testCtx(), Call{ID: "c2", Name: "issue_refund", Args: map[string]any{"amount": 50000.0}}, nil)
	require.True(t, big.Success)
	bigMap := big.Result.(map[string]any)
	assert.Equal(t, StatusAwaitingApproval, bigMap["status"])
}

func TestExecutor_Timeout(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Spec{
		Name:    "slow_tool",
		Timeout: 20 * time.Millisecond,
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			select {
			case <-time.After(200 * time.Millisecond):
				return map[string]any{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))

	e := NewExecutor(reg, nil)
	result := e.Execute(context.Background(), testCtx(), Call{ID: "c1", Name: "slow_tool"}, nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "timed out")
}

func TestExecutor_ExecuteManyPreservesOrder(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"a", "b", "c"} {
		name := name
		require.NoError(t, reg.Register(&Spec{
			Name: name,
			Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				return map[string]any{"name": name}, nil
			},
		}))
	}

	e := NewExecutor(reg, nil)
	calls := []Call{{ID: "1", Name: "a"}, {ID: "2", Name: "b"}, {ID: "3", Name: "c"}}
	results := e.ExecuteMany(context.Background(), testCtx(), calls, nil, true)

	require.Len(t, results, 3)
	assert.Equal(t, "1", results[0].CallID)
	assert.Equal(t, "2", results[1].CallID)
	assert.Equal(t, "3", results[2].CallID)
}

func TestExecutor_ExecuteApprovedResolvesInteraction(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Spec{
		Name: "delete_account",
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"deleted": true}, nil
		},
	}))

	bb := blackboard.New(testCtx(), "delete my account")
	e := NewExecutor(reg, nil)

	first := e.Execute(context.Background(), testCtx(), Call{ID: "c1", Name: "delete_account"}, bb)
	resMap := first.Result.(map[string]any)
	interactionID := resMap["interaction_id"].(string)

	result := e.ExecuteApproved(context.Background(), testCtx(), bb, interactionID, Call{ID: "c1", Name: "delete_account"})
	require.True(t, result.Success)
	assert.False(t, bb.HasPendingInteractions())
}

func TestExecutor_DuplicateRegistrationFails(t *testing.T) {
	reg := NewRegistry()
	spec := &Spec{Name: "dup", Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) { return nil, nil }}
	require.NoError(t, reg.Register(spec))
	assert.Error(t, reg.Register(spec))
}
