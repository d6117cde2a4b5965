package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/alumnihub/messaging/internal/apperr"
	"github.com/alumnihub/messaging/internal/models"
)

type mongoRepo struct {
	convCol  *mongo.Collection
	msgCol   *mongo.Collection
	connCol  *mongo.Collection
	notifCol *mongo.Collection
	profCol  *mongo.Collection
}

func NewMongoRepo(db *mongo.Database) Repository {
	return &mongoRepo{
		convCol:  db.Collection("conversations"),
		msgCol:   db.Collection("messages"),
		connCol:  db.Collection("connections"),
		notifCol: db.Collection("notifications"),
		profCol:  db.Collection("profiles"),
	}
}

func (r *mongoRepo) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	err := r.convCol.FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *mongoRepo) GetOrCreateConversation(ctx context.Context, userA, userB string) (*models.Conversation, error) {
	now := time.Now().UTC()
	key := models.PairKey(userA, userB)
	a, b := userA, userB
	if key != a+":"+b {
		a, b = b, a
	}
	filter := bson.M{"pair_key": key}
	update := bson.M{"$setOnInsert": bson.M{
		"_id":             primitive.NewObjectID().Hex(),
		"pair_key":        key,
		"participant_a":   a,
		"participant_b":   b,
		"last_message_at": now,
		"created_at":      now,
		"updated_at":      now,
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var c models.Conversation
	if err := r.convCol.FindOneAndUpdate(ctx, filter, update, opts).Decode(&c); err != nil {
		return nil, fmt.Errorf("get or create conversation: %w", err)
	}
	return &c, nil
}

func (r *mongoRepo) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"participant_a": userID},
		bson.M{"participant_b": userID},
	}}
	opts := options.Find().SetSort(bson.D{{Key: "last_message_at", Value: -1}})
	cur, err := r.convCol.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []models.Conversation
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// InsertMessage persists the message after re-checking the connection,
// mirroring the row-level gate: a revoked connection makes the write
// fail with ErrNotPermitted, which the pipeline turns into a rollback.
func (r *mongoRepo) InsertMessage(ctx context.Context, m *models.Message) (*models.Message, error) {
	var conv models.Conversation
	if err := r.convCol.FindOne(ctx, bson.M{"_id": m.ConversationID}).Decode(&conv); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	counterpart := conv.Counterpart(m.SenderID)
	if counterpart == "" {
		return nil, apperr.ErrNotPermitted
	}
	conn, err := r.FindConnection(ctx, m.SenderID, counterpart)
	if err != nil {
		return nil, err
	}
	if conn == nil || conn.Status != models.ConnectionAccepted {
		return nil, apperr.ErrNotPermitted
	}

	out := *m
	out.ID = primitive.NewObjectID().Hex()
	out.CreatedAt = time.Now().UTC()
	out.ReadAt = nil
	out.Provisional = false
	if _, err := r.msgCol.InsertOne(ctx, &out); err != nil {
		return nil, err
	}
	// last_message_at is monotone non-decreasing.
	_, err = r.convCol.UpdateOne(ctx, bson.M{"_id": conv.ID}, bson.M{
		"$max": bson.M{"last_message_at": out.CreatedAt},
		"$set": bson.M{"updated_at": out.CreatedAt},
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *mongoRepo) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := r.msgCol.Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []models.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *mongoRepo) LatestMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	var m models.Message
	err := r.msgCol.FindOne(ctx, bson.M{"conversation_id": conversationID}, opts).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *mongoRepo) CountUnread(ctx context.Context, conversationID, viewerID string) (int64, error) {
	return r.msgCol.CountDocuments(ctx, bson.M{
		"conversation_id": conversationID,
		"sender_id":       bson.M{"$ne": viewerID},
		"read_at":         bson.M{"$exists": false},
	})
}

// MarkMessageRead is idempotent: the filter only matches unread inbound
// messages, so a second call matches nothing.
func (r *mongoRepo) MarkMessageRead(ctx context.Context, messageID, viewerID string) error {
	_, err := r.msgCol.UpdateOne(ctx, bson.M{
		"_id":       messageID,
		"sender_id": bson.M{"$ne": viewerID},
		"read_at":   bson.M{"$exists": false},
	}, bson.M{"$set": bson.M{"read_at": time.Now().UTC()}})
	return err
}

func (r *mongoRepo) MarkConversationRead(ctx context.Context, conversationID, viewerID string) error {
	_, err := r.msgCol.UpdateMany(ctx, bson.M{
		"conversation_id": conversationID,
		"sender_id":       bson.M{"$ne": viewerID},
		"read_at":         bson.M{"$exists": false},
	}, bson.M{"$set": bson.M{"read_at": time.Now().UTC()}})
	return err
}

func (r *mongoRepo) AttachmentReferenced(ctx context.Context, url string) (bool, error) {
	n, err := r.msgCol.CountDocuments(ctx, bson.M{"attachment_url": url}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *mongoRepo) FindConnection(ctx context.Context, userA, userB string) (*models.Connection, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"requester_id": userA, "recipient_id": userB},
		bson.M{"requester_id": userB, "recipient_id": userA},
	}}
	var c models.Connection
	err := r.connCol.FindOne(ctx, filter).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *mongoRepo) RequestConnection(ctx context.Context, requesterID, recipientID string) (*models.Connection, error) {
	existing, err := r.FindConnection(ctx, requesterID, recipientID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	now := time.Now().UTC()
	c := models.Connection{
		ID:          primitive.NewObjectID().Hex(),
		RequesterID: requesterID,
		RecipientID: recipientID,
		Status:      models.ConnectionPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := r.connCol.InsertOne(ctx, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *mongoRepo) UpdateConnectionStatus(ctx context.Context, id, status string, at time.Time) error {
	res, err := r.connCol.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"status": status, "updated_at": at},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (r *mongoRepo) DeleteConnection(ctx context.Context, id string) error {
	res, err := r.connCol.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (r *mongoRepo) ListConnectionRequests(ctx context.Context, userID string) (incoming, outgoing []models.Connection, err error) {
	cur, err := r.connCol.Find(ctx, bson.M{"recipient_id": userID, "status": models.ConnectionPending})
	if err != nil {
		return nil, nil, err
	}
	if err := cur.All(ctx, &incoming); err != nil {
		return nil, nil, err
	}
	cur, err = r.connCol.Find(ctx, bson.M{"requester_id": userID, "status": models.ConnectionPending})
	if err != nil {
		return nil, nil, err
	}
	if err := cur.All(ctx, &outgoing); err != nil {
		return nil, nil, err
	}
	return incoming, outgoing, nil
}

func (r *mongoRepo) CreateNotification(ctx context.Context, n *models.Notification) error {
	n.ID = primitive.NewObjectID().Hex()
	n.CreatedAt = time.Now().UTC()
	_, err := r.notifCol.InsertOne(ctx, n)
	return err
}

func (r *mongoRepo) ListNotifications(ctx context.Context, userID string) ([]models.Notification, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cur, err := r.notifCol.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []models.Notification
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *mongoRepo) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	var p models.Profile
	err := r.profCol.FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
