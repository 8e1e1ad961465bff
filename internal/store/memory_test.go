package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voice-copilot-go/internal/types"
)

func TestMemoryInterruptionsAreAtomic(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.IncrementInterruptions(ctx, "call-1")
		}()
	}
	wg.Wait()

	c, err := m.GetCall(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, 50, c.Interruptions)
}

func TestMemoryStatusUpdateKeepsTimestamps(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, m.UpdateCallStatus(ctx, "call-1", "in-progress", &start, nil))
	require.NoError(t, m.UpdateCallStatus(ctx, "call-1", "in-progress", nil, nil))

	c, err := m.GetCall(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, "in-progress", c.Status)
	require.NotNil(t, c.StartedAt)
	assert.True(t, start.Equal(*c.StartedAt))
}

func TestMemoryFindClientByPhoneSuffix(t *testing.T) {
	m := NewMemory()
	m.AddClient(types.Client{ID: "cl-1", Name: "Ana López", Phone: "+52 1 55 1234 5678"})

	c, err := m.FindClientByPhone(context.Background(), "5512345678")
	require.NoError(t, err)
	assert.Equal(t, "cl-1", c.ID)

	_, err = m.FindClientByPhone(context.Background(), "123")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryConversationMessages(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.AddConversation(types.Conversation{ID: "conv-1", ClientID: "cl-1", Channel: "whatsapp"})

	for i := 0; i < 7; i++ {
		require.NoError(t, m.AppendMessage(ctx, types.ConversationMessage{ConversationID: "conv-1", Content: "m"}))
	}
	require.NoError(t, m.AppendMessage(ctx, types.ConversationMessage{ConversationID: "conv-1", Content: "note", Internal: true}))

	conv, err := m.ActiveConversation(ctx, "cl-1")
	require.NoError(t, err)
	assert.Len(t, conv.RecentMessages, recentMessages)
	assert.Len(t, m.Messages("conv-1"), 8)

	require.NoError(t, m.TagConversation(ctx, "conv-1", "Callback Pendiente", map[string]any{"escalation_reason": "x"}))
	require.NoError(t, m.TagConversation(ctx, "conv-1", "Callback Pendiente", nil))
	conv, err = m.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Callback Pendiente"}, conv.Tags)
	assert.Equal(t, "x", conv.Facts["escalation_reason"])
}

func TestMemoryFailInserts(t *testing.T) {
	m := NewMemory()
	m.FailInserts(errors.New("down"))
	assert.Error(t, m.InsertEvents(context.Background(), []types.CallEvent{{VapiCallID: "c"}}))
	assert.Empty(t, m.Events())
}

func TestMemoryRecentToolFailures(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, ok := range []bool{false, true, false, false} {
		require.NoError(t, m.InsertToolLog(ctx, types.ToolLog{ToolName: "t", Success: ok}))
	}
	out, err := m.RecentToolFailures(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, out, 2)
	for _, l := range out {
		assert.False(t, l.Success)
	}
}
