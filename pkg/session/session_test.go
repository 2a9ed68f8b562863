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

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/message"
)

func TestInMemoryService_GetOrCreateIsIdempotent(t *testing.T) {
	svc := NewInMemoryService(0)
	ctx := context.Background()

	first, err := svc.GetOrCreate(ctx, "s1", "u1", "support", 0)
	require.NoError(t, err)

	second, err := svc.GetOrCreate(ctx, "s1", "u2", "other", 0)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, "u1", second.UserID)
}

func TestInMemoryService_GetOrCreateAppliesTTL(t *testing.T) {
	svc := NewInMemoryService(0)
	ctx := context.Background()

	sess, err := svc.GetOrCreate(ctx, "", "u1", "support", 0)
	require.NoError(t, err)
	require.Nil(t, sess.ExpiresAt)

	sess2, err := svc.GetOrCreate(ctx, "", "u1", "support", 24)
	require.NoError(t, err)
	require.NotNil(t, sess2.ExpiresAt)
	assert.True(t, sess2.ExpiresAt.After(time.Now()))
}

func TestInMemoryService_AddMessageRejectsUnknownSession(t *testing.T) {
	svc := NewInMemoryService(0)
	_, err := svc.AddMessage(context.Background(), "missing", message.User("hi"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryService_AddMessageEnforcesLimit(t *testing.T) {
	svc := NewInMemoryService(2)
	ctx := context.Background()
	sess, err := svc.GetOrCreate(ctx, "s1", "u1", "support", 0)
	require.NoError(t, err)

	_, err = svc.AddMessage(ctx, sess.ID, message.User("one"))
	require.NoError(t, err)
	_, err = svc.AddMessage(ctx, sess.ID, message.User("two"))
	require.NoError(t, err)

	_, err = svc.AddMessage(ctx, sess.ID, message.User("three"))
	assert.ErrorIs(t, err, ErrMessageLimitReached)
}

func TestInMemoryService_GetMessagesOrderAndLimit(t *testing.T) {
	svc := NewInMemoryService(0)
	ctx := context.Background()
	sess, err := svc.GetOrCreate(ctx, "s1", "u1", "support", 0)
	require.NoError(t, err)

	for _, text := range []string{"a", "b", "c", "d"} {
		_, err := svc.AddMessage(ctx, sess.ID, message.User(text))
		require.NoError(t, err)
	}

	all, err := svc.GetMessages(ctx, sess.ID, 0, nil)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "a", all[0].Message.Text())
	assert.Equal(t, "d", all[3].Message.Text())

	recent, err := svc.GetMessages(ctx, sess.ID, 2, nil)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].Message.Text())
	assert.Equal(t, "d", recent[1].Message.Text())
}

func TestInMemoryService_CleanupExpiredRemovesOnlyExpired(t *testing.T) {
	svc := NewInMemoryService(0)
	ctx := context.Background()

	fresh, err := svc.GetOrCreate(ctx, "fresh", "u1", "support", 100)
	require.NoError(t, err)

	stale, err := svc.GetOrCreate(ctx, "stale", "u1", "support", 0)
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	stale.ExpiresAt = &past
	require.NoError(t, svc.Save(ctx, stale))

	removed := svc.CleanupExpired(ctx)
	assert.Equal(t, 1, removed)

	_, ok := svc.Get(ctx, fresh.ID)
	assert.True(t, ok)
	_, ok = svc.Get(ctx, stale.ID)
	assert.False(t, ok)
}

func TestInMemoryService_CheckpointChain(t *testing.T) {
	svc := NewInMemoryService(0)
	ctx := context.Background()
	sess, err := svc.GetOrCreate(ctx, "s1", "u1", "support", 0)
	require.NoError(t, err)

	_, ok := svc.GetLatestCheckpoint(ctx, sess.ID, "thread-1")
	assert.False(t, ok)

	first, err := svc.CreateCheckpoint(ctx, sess.ID, "thread-1", map[string]any{"step": 1}, nil, nil)
	require.NoError(t, err)

	second, err := svc.CreateCheckpoint(ctx, sess.ID, "thread-1", map[string]any{"step": 2}, nil, &first.CheckpointID)
	require.NoError(t, err)

	latest, ok := svc.GetLatestCheckpoint(ctx, sess.ID, "thread-1")
	require.True(t, ok)
	assert.Equal(t, second.ID, latest.ID)
	assert.Equal(t, first.CheckpointID, *latest.ParentCheckpointID)
}

func TestInMemoryService_ListSessionsMostRecentFirst(t *testing.T) {
	svc := NewInMemoryService(0)
	ctx := context.Background()

	a, err := svc.GetOrCreate(ctx, "a", "u1", "support", 0)
	require.NoError(t, err)
	b, err := svc.GetOrCreate(ctx, "b", "u1", "support", 0)
	require.NoError(t, err)

	a.Updated = time.Now().Add(-time.Minute)
	require.NoError(t, svc.Save(ctx, a))
	b.Updated = time.Now()
	require.NoError(t, svc.Save(ctx, b))

	list := svc.ListSessions(ctx, "u1", "", 10)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "a", list[1].ID)
}

func TestInMemoryService_DeleteReportsExistence(t *testing.T) {
	svc := NewInMemoryService(0)
	ctx := context.Background()
	sess, err := svc.GetOrCreate(ctx, "s1", "u1", "support", 0)
	require.NoError(t, err)

	assert.True(t, svc.Delete(ctx, sess.ID))
	assert.False(t, svc.Delete(ctx, sess.ID))
}
