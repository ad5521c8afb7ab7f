package mongostore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

func TestDocConversionKeepsTarget(t *testing.T) {
	readAt := time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)
	msg := &chat.Message{
		SenderID:  "a",
		Sender:    chat.UserIdentity{ID: "a", DisplayName: "alice"},
		Target:    chat.Room("general"),
		Content:   "hello",
		Kind:      chat.KindText,
		IsRead:    true,
		ReadAt:    &readAt,
		CreatedAt: readAt.Add(-time.Hour),
	}

	doc := toDoc(msg)
	assert.Empty(t, doc.ReceiverID)
	assert.Equal(t, "general", doc.RoomID)

	doc.ID = primitive.NewObjectID()
	back, err := fromDoc(doc)
	require.NoError(t, err)
	assert.Equal(t, doc.ID.Hex(), back.ID)
	assert.True(t, back.Target.IsRoom())
	assert.Equal(t, "alice", back.Sender.DisplayName)
	assert.Equal(t, readAt, *back.ReadAt)
}

func TestFromDocRejectsMissingTarget(t *testing.T) {
	_, err := fromDoc(messageDoc{ID: primitive.NewObjectID(), SenderID: "a"})
	require.ErrorIs(t, err, chat.ErrTargetRequired)
}

func TestUserFilter(t *testing.T) {
	oid := primitive.NewObjectID()
	assert.Equal(t, bson.M{"_id": oid}, userFilter(oid.Hex()))
	assert.Equal(t, bson.M{"_id": "alice"}, userFilter("alice"))
}
