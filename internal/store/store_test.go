package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkdog.im/internal/protocol"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id, sender string, offset time.Duration, status protocol.Status) protocol.Message {
	return protocol.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       sender,
		Text:           "text " + id,
		CreatedAt:      t0.Add(offset),
		Status:         status,
	}
}

func TestStore_OrderingAndTies(t *testing.T) {
	s := New()
	s.Upsert(msg("m3", "u2", 2*time.Second, protocol.StatusDelivered))
	s.Upsert(msg("m2", "u2", time.Second, protocol.StatusDelivered))
	s.Upsert(msg("m1b", "u2", time.Second, protocol.StatusDelivered))

	list := s.Messages("c1")
	require.Len(t, list, 3)
	assert.Equal(t, []string{"m1b", "m2", "m3"}, []string{list[0].ID, list[1].ID, list[2].ID})
}

func TestStore_UpsertReplacesTempEntry(t *testing.T) {
	s := New()
	pending := protocol.Message{TempID: "tmp-1", ConversationID: "c1", SenderID: "u1", Text: "hi", CreatedAt: t0, Status: protocol.StatusPending}
	s.Upsert(pending)

	confirmed := pending
	confirmed.ID = "s1"
	confirmed.Status = protocol.StatusSent
	s.Upsert(confirmed)

	list := s.Messages("c1")
	require.Len(t, list, 1)
	assert.Equal(t, "s1", list[0].ID)
	assert.Equal(t, protocol.StatusSent, list[0].Status)

	// 服务端再次推送同一条消息不产生重复
	s.Upsert(protocol.Message{ID: "s1", ConversationID: "c1", SenderID: "u1", Text: "hi", CreatedAt: t0, Status: protocol.StatusSent})
	assert.Len(t, s.Messages("c1"), 1)

	_, ok := s.Find("c1", "tmp-1")
	assert.True(t, ok)
}

func TestStore_Update(t *testing.T) {
	s := New()
	s.Upsert(protocol.Message{TempID: "tmp-1", ConversationID: "c1", SenderID: "u1", Text: "hi", CreatedAt: t0, Status: protocol.StatusPending})

	m, ok := s.Update("c1", "tmp-1", func(m *protocol.Message) bool {
		if !m.Status.CanTransition(protocol.StatusFailed) {
			return false
		}
		m.Status = protocol.StatusFailed
		return true
	})
	require.True(t, ok)
	assert.Equal(t, protocol.StatusFailed, m.Status)

	_, ok = s.Update("c1", "tmp-1", func(m *protocol.Message) bool {
		return m.Status.CanTransition(protocol.StatusSent)
	})
	assert.False(t, ok, "failed cannot jump to sent")

	_, ok = s.Update("c1", "nope", func(*protocol.Message) bool { return true })
	assert.False(t, ok)
}

func TestStore_MergeKeepsPending(t *testing.T) {
	s := New()
	s.Upsert(protocol.Message{TempID: "tmp-1", ConversationID: "c1", SenderID: "u1", Text: "draft", CreatedAt: t0.Add(time.Minute), Status: protocol.StatusPending})

	out := s.Merge("c1", []protocol.Message{
		msg("m1", "u2", 0, ""),
		msg("m2", "u1", time.Second, protocol.StatusSent),
		{ID: "x", ConversationID: "other", SenderID: "u2", Text: "ignored", CreatedAt: t0},
	})

	require.Len(t, out, 3)
	assert.Equal(t, "m1", out[0].ID)
	assert.Equal(t, protocol.StatusDelivered, out[0].Status)
	assert.Equal(t, "tmp-1", out[2].TempID)
	assert.Empty(t, s.Messages("other"))
}

func TestStore_MarkReadUpTo(t *testing.T) {
	s := New()
	s.Upsert(msg("m1", "u1", 0, protocol.StatusSent))
	s.Upsert(msg("m2", "u2", time.Second, protocol.StatusDelivered))
	s.Upsert(msg("m3", "u1", 2*time.Second, protocol.StatusDelivered))
	s.Upsert(msg("m4", "u1", 3*time.Second, protocol.StatusSent))
	s.Upsert(protocol.Message{TempID: "tmp", ConversationID: "c1", SenderID: "u1", Text: "p", CreatedAt: t0, Status: protocol.StatusPending})

	changed := s.MarkReadUpTo("c1", "m3", "u1")
	require.Len(t, changed, 2)
	assert.Equal(t, "m1", changed[0].ID)
	assert.Equal(t, "m3", changed[1].ID)

	got, _ := s.Find("c1", "m4")
	assert.False(t, got.Read)
	got, _ = s.Find("c1", "tmp")
	assert.False(t, got.Read, "pending messages never read")

	assert.Empty(t, s.MarkReadUpTo("c1", "m3", "u1"), "second receipt changes nothing")
	assert.Nil(t, s.MarkReadUpTo("c1", "unknown", "u1"))
}

func TestStore_Conversations(t *testing.T) {
	s := New()
	s.PutConversations([]protocol.Conversation{
		{ID: "c1", Participants: []string{"u1", "u2"}, UpdatedAt: t0},
		{ID: "c2", Participants: []string{"u1", "u3"}, UpdatedAt: t0.Add(time.Minute)},
	})

	convs := s.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "c2", convs[0].ID)

	s.Upsert(msg("m9", "u2", 2*time.Minute, protocol.StatusDelivered))
	convs = s.Conversations()
	assert.Equal(t, "c1", convs[0].ID)
	require.NotNil(t, convs[0].LastMessage)
	assert.Equal(t, "m9", convs[0].LastMessage.ID)

	c, ok := s.Conversation("c2")
	require.True(t, ok)
	assert.Equal(t, "u3", c.Peer("u1"))
}

func TestStore_Settle(t *testing.T) {
	s := New()
	s.Upsert(protocol.Message{TempID: "tmp-1", ConversationID: "c1", SenderID: "u1", Text: "hi", CreatedAt: t0, Status: protocol.StatusPending})

	m, ok := s.Settle("c1", "tmp-1", "s1", t0.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, "s1", m.ID)
	assert.Equal(t, protocol.StatusSent, m.Status)
	assert.Equal(t, t0.Add(time.Second), m.CreatedAt)

	_, ok = s.Settle("c1", "missing", "s2", t0)
	assert.False(t, ok)
}

func TestStore_SettleDropsDuplicateTempEntry(t *testing.T) {
	s := New()
	s.Upsert(protocol.Message{TempID: "tmp-1", ConversationID: "c1", SenderID: "u1", Text: "hi", CreatedAt: t0, Status: protocol.StatusPending})
	// 快照先于确认到达
	s.Merge("c1", []protocol.Message{{ID: "s1", ConversationID: "c1", SenderID: "u1", Text: "hi", CreatedAt: t0}})
	require.Len(t, s.Messages("c1"), 2)

	m, ok := s.Settle("c1", "tmp-1", "s1", time.Time{})
	require.True(t, ok)
	assert.Equal(t, "s1", m.ID)
	assert.Equal(t, protocol.StatusDelivered, m.Status)

	list := s.Messages("c1")
	require.Len(t, list, 1)
	assert.Equal(t, "tmp-1", list[0].TempID)
}

func TestStore_Locate(t *testing.T) {
	s := New()
	m := msg("m1", "u1", 0, protocol.StatusSent)
	m.ConversationID = "c9"
	s.Upsert(m)

	found, ok := s.Locate("m1")
	require.True(t, ok)
	assert.Equal(t, "c9", found.ConversationID)

	_, ok = s.Locate("nope")
	assert.False(t, ok)
}
