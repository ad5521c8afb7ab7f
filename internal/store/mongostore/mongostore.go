// Package mongostore persists messages and users in MongoDB.
package mongostore

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/store"
)

const (
	messagesCollection = "messages"
	usersCollection    = "users"
)

type messageDoc struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	SenderID       string             `bson:"sender_id"`
	SenderName     string             `bson:"sender_name"`
	SenderAvatar   string             `bson:"sender_avatar,omitempty"`
	ReceiverID     string             `bson:"receiver_id,omitempty"`
	RoomID         string             `bson:"room_id,omitempty"`
	Content        string             `bson:"content"`
	AttachmentRef  string             `bson:"attachment_ref,omitempty"`
	AttachmentName string             `bson:"attachment_name,omitempty"`
	Kind           string             `bson:"kind"`
	IsRead         bool               `bson:"is_read"`
	ReadAt         *time.Time         `bson:"read_at,omitempty"`
	CreatedAt      time.Time          `bson:"created_at"`
}

type userDoc struct {
	DisplayName string    `bson:"username"`
	Avatar      string    `bson:"avatar,omitempty"`
	IsOnline    bool      `bson:"is_online"`
	LastSeen    time.Time `bson:"last_seen,omitempty"`
}

// Store implements store.Store on a MongoDB database.
type Store struct {
	db *mongo.Database
}

var _ store.Store = (*Store)(nil)

// Connect dials uri and returns a Store bound to database.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "mongo connect")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, pkgerrors.Wrap(err, "mongo ping")
	}
	return New(client.Database(database)), nil
}

// New wraps an existing database handle.
func New(db *mongo.Database) *Store {
	return &Store{db: db}
}

// EnsureIndexes creates the indexes used by History.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(messagesCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "sender_id", Value: 1}, {Key: "receiver_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	return pkgerrors.Wrap(err, "create message indexes")
}

func (s *Store) SaveMessage(ctx context.Context, msg *chat.Message) (*chat.Message, error) {
	doc := toDoc(msg)
	doc.ID = primitive.NewObjectID()

	if _, err := s.db.Collection(messagesCollection).InsertOne(ctx, doc); err != nil {
		return nil, pkgerrors.Wrap(err, "insert message")
	}
	return fromDoc(doc)
}

func (s *Store) FindMessage(ctx context.Context, id string) (*chat.Message, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, chat.ErrNotFound
	}

	var doc messageDoc
	err = s.db.Collection(messagesCollection).FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, chat.ErrNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "find message %s", id)
	}
	return fromDoc(doc)
}

func (s *Store) MarkMessageRead(ctx context.Context, id string, readAt time.Time) (*chat.Message, bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, false, chat.ErrNotFound
	}

	var doc messageDoc
	err = s.db.Collection(messagesCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": oid, "is_read": false},
		bson.M{"$set": bson.M{"is_read": true, "read_at": readAt.UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// missing, or already read by an earlier call
		msg, err := s.FindMessage(ctx, id)
		return msg, false, err
	}
	if err != nil {
		return nil, false, pkgerrors.Wrapf(err, "mark message %s read", id)
	}
	msg, err := fromDoc(doc)
	return msg, err == nil, err
}

func (s *Store) History(ctx context.Context, self string, target chat.Target, limit int) ([]*chat.Message, error) {
	if limit <= 0 {
		limit = store.DefaultHistoryLimit
	}

	var filter bson.M
	switch {
	case target.IsRoom():
		filter = bson.M{"room_id": target.RoomID()}
	case target.IsDirect():
		peer := target.ReceiverID()
		filter = bson.M{"$or": bson.A{
			bson.M{"sender_id": self, "receiver_id": peer},
			bson.M{"sender_id": peer, "receiver_id": self},
		}}
	default:
		return nil, chat.ErrTargetRequired
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := s.db.Collection(messagesCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "find history")
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, pkgerrors.Wrap(err, "decode history")
	}

	out := make([]*chat.Message, 0, len(docs))
	for i := len(docs) - 1; i >= 0; i-- {
		msg, err := fromDoc(docs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *Store) FindUser(ctx context.Context, id string) (chat.UserIdentity, error) {
	var doc userDoc
	err := s.db.Collection(usersCollection).FindOne(ctx, userFilter(id)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return chat.UserIdentity{}, chat.ErrNotFound
	}
	if err != nil {
		return chat.UserIdentity{}, pkgerrors.Wrapf(err, "find user %s", id)
	}
	return chat.UserIdentity{ID: id, DisplayName: doc.DisplayName, AvatarRef: doc.Avatar}, nil
}

func (s *Store) SetUserOnline(ctx context.Context, userID string, online bool, at time.Time) error {
	_, err := s.db.Collection(usersCollection).UpdateOne(ctx,
		userFilter(userID),
		bson.M{"$set": bson.M{"is_online": online, "last_seen": at.UTC()}},
	)
	return pkgerrors.Wrapf(err, "set user %s online=%t", userID, online)
}

func (s *Store) Close(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}

// User documents are keyed by ObjectID when the ID is one, otherwise by
// the raw string.
func userFilter(id string) bson.M {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return bson.M{"_id": oid}
	}
	return bson.M{"_id": id}
}

func toDoc(m *chat.Message) messageDoc {
	return messageDoc{
		SenderID:       m.SenderID,
		SenderName:     m.Sender.DisplayName,
		SenderAvatar:   m.Sender.AvatarRef,
		ReceiverID:     m.Target.ReceiverID(),
		RoomID:         m.Target.RoomID(),
		Content:        m.Content,
		AttachmentRef:  m.AttachmentRef,
		AttachmentName: m.AttachmentName,
		Kind:           string(m.Kind),
		IsRead:         m.IsRead,
		ReadAt:         m.ReadAt,
		CreatedAt:      m.CreatedAt,
	}
}

func fromDoc(d messageDoc) (*chat.Message, error) {
	target, err := chat.NewTarget(d.ReceiverID, d.RoomID)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "message %s", d.ID.Hex())
	}
	return &chat.Message{
		ID:       d.ID.Hex(),
		SenderID: d.SenderID,
		Sender: chat.UserIdentity{
			ID:          d.SenderID,
			DisplayName: d.SenderName,
			AvatarRef:   d.SenderAvatar,
		},
		Target:         target,
		Content:        d.Content,
		AttachmentRef:  d.AttachmentRef,
		AttachmentName: d.AttachmentName,
		Kind:           chat.Kind(d.Kind),
		IsRead:         d.IsRead,
		ReadAt:         d.ReadAt,
		CreatedAt:      d.CreatedAt,
	}, nil
}
