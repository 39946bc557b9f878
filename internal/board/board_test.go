package board

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryStore_NewestFirstAndCapped(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < MaxMessages+25; i++ {
		_, err := store.Add(ctx, fmt.Sprintf("message %d", i))
		require.NoError(t, err)
	}

	msgs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, MaxMessages)
	assert.Equal(t, fmt.Sprintf("message %d", MaxMessages+24), msgs[0].Text)
}

func TestMemoryStore_TrimsAndRejectsEmpty(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	msg, err := store.Add(ctx, "  happy birthday!  ")
	require.NoError(t, err)
	assert.Equal(t, "happy birthday!", msg.Text)
	assert.NotEmpty(t, msg.ID)

	_, err = store.Add(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestMemoryStore_IDsSortNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// A tight burst lands many messages in the same millisecond; the
	// monotonic entropy keeps ids strictly increasing regardless.
	prev := ""
	for i := 0; i < 100; i++ {
		msg, err := store.Add(ctx, fmt.Sprintf("message %d", i))
		require.NoError(t, err)
		assert.Less(t, prev, msg.ID)
		prev = msg.ID
	}

	msgs, err := store.List(ctx)
	require.NoError(t, err)
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i-1].ID, msgs[i].ID)
	}
}

func TestPostHandler_CreatesMessage(t *testing.T) {
	store := NewMemoryStore()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/messages", strings.NewReader(`{"text":" hi there "}`))

	PostHandler(store, zap.NewNop())(rec, req)
	require.Equal(t, 201, rec.Code)

	var msg Message
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&msg))
	assert.Equal(t, "hi there", msg.Text)
	assert.NotEmpty(t, msg.ID)
}

func TestPostHandler_RejectsEmptyText(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/messages", strings.NewReader(`{"text":"   "}`))

	PostHandler(NewMemoryStore(), zap.NewNop())(rec, req)

	require.Equal(t, 400, rec.Code)
	var out struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.Equal(t, "message text required", out.Error)
}

func TestPostHandler_RejectsOversizedText(t *testing.T) {
	rec := httptest.NewRecorder()
	big := strings.Repeat("x", MaxTextLen+1)
	req := httptest.NewRequest("POST", "/api/messages", strings.NewReader(`{"text":"`+big+`"}`))

	PostHandler(NewMemoryStore(), zap.NewNop())(rec, req)

	assert.Equal(t, 400, rec.Code)
}

func TestListHandler_ReturnsMessages(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Add(context.Background(), "hello")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/messages", nil)
	ListHandler(store, zap.NewNop())(rec, req)
	require.Equal(t, 200, rec.Code)

	var out struct {
		Messages []Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "hello", out.Messages[0].Text)
}

func TestListHandler_EmptyBoardIsAnEmptyList(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/messages", nil)
	ListHandler(NewMemoryStore(), zap.NewNop())(rec, req)
	require.Equal(t, 200, rec.Code)
	assert.JSONEq(t, `{"messages":[]}`, rec.Body.String())
}
