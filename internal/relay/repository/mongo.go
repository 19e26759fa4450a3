package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fathima-sithara/chat-app/internal/message"
)

// Connect opens a client and pings it.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}

type MongoRepository struct {
	users    *mongo.Collection
	convs    *mongo.Collection
	messages *mongo.Collection
}

func NewMongoRepository(ctx context.Context, db *mongo.Database) (*MongoRepository, error) {
	r := &MongoRepository{
		users:    db.Collection("users"),
		convs:    db.Collection("conversations"),
		messages: db.Collection("messages"),
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := r.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "timestamp", Value: 1}}},
		{
			Keys: bson.D{{Key: "sender_id", Value: 1}, {Key: "client_id", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"client_id": bson.M{"$exists": true}}),
		},
	}); err != nil {
		return nil, err
	}
	if _, err := r.convs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "pair", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "participants", Value: 1}, {Key: "created_at", Value: 1}}},
	}); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *MongoRepository) UpsertUser(ctx context.Context, u message.User) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	set := bson.M{"username": u.Username}
	if u.Avatar != "" {
		set["avatar"] = u.Avatar
	}
	if _, err := r.users.UpdateByID(ctx, u.ID, bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"display_name": u.DisplayName, "is_online": false, "last_seen": time.Time{}},
	}, options.Update().SetUpsert(true)); err != nil {
		return err
	}
	if u.DisplayName == "" {
		return nil
	}
	// fill a name the record never had, never overwrite one
	_, err := r.users.UpdateOne(ctx,
		bson.M{"_id": u.ID, "display_name": bson.M{"$in": bson.A{"", nil}}},
		bson.M{"$set": bson.M{"display_name": u.DisplayName}},
	)
	return err
}

func (r *MongoRepository) UpdateProfile(ctx context.Context, id string, p Profile) (message.User, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	set := bson.M{}
	if p.DisplayName != "" {
		set["display_name"] = p.DisplayName
	}
	if p.Avatar != "" {
		set["avatar"] = p.Avatar
	}
	if len(set) == 0 {
		return r.GetUser(ctx, id)
	}
	var u message.User
	err := r.users.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return message.User{}, ErrNotFound
	}
	return u, err
}

func (r *MongoRepository) GetUser(ctx context.Context, id string) (message.User, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var u message.User
	if err := r.users.FindOne(ctx, bson.M{"_id": id}).Decode(&u); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return message.User{}, ErrNotFound
		}
		return message.User{}, err
	}
	return u, nil
}

func (r *MongoRepository) ListUsers(ctx context.Context) ([]message.User, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cur, err := r.users.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	out := []message.User{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *MongoRepository) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	res, err := r.users.UpdateByID(ctx, id, bson.M{"$set": bson.M{"last_seen": at}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

type convDoc struct {
	ID           string    `bson:"_id"`
	Pair         string    `bson:"pair"`
	Participants []string  `bson:"participants"`
	CreatedAt    time.Time `bson:"created_at"`
}

func (d convDoc) conversation() message.Conversation {
	return message.Conversation{ID: d.ID, Participants: d.Participants, CreatedAt: d.CreatedAt}
}

func (r *MongoRepository) GetOrCreateConversation(ctx context.Context, a, b string) (message.Conversation, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	participants := pairKey(a, b)
	pair := strings.Join(participants, "|")
	id := uuid.NewString()

	res := r.convs.FindOneAndUpdate(ctx,
		bson.M{"pair": pair},
		bson.M{"$setOnInsert": bson.M{"_id": id, "participants": participants, "created_at": time.Now().UTC()}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	)
	var d convDoc
	if err := res.Decode(&d); err != nil {
		return message.Conversation{}, false, err
	}
	return d.conversation(), d.ID == id, nil
}

func (r *MongoRepository) GetConversation(ctx context.Context, id string) (message.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var d convDoc
	if err := r.convs.FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return message.Conversation{}, ErrNotFound
		}
		return message.Conversation{}, err
	}
	return d.conversation(), nil
}

func (r *MongoRepository) ListConversations(ctx context.Context, userID string) ([]message.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := r.convs.Find(ctx, bson.M{"participants": userID}, opts)
	if err != nil {
		return nil, err
	}
	var docs []convDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]message.Conversation, len(docs))
	for i, d := range docs {
		out[i] = d.conversation()
	}
	return out, nil
}

func (r *MongoRepository) InsertMessage(ctx context.Context, m message.Message) (message.Message, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if m.ClientID != "" {
		if orig, err := r.byClientID(ctx, m.SenderID, m.ClientID); err == nil {
			return orig, false, nil
		} else if !errors.Is(err, ErrNotFound) {
			return message.Message{}, false, err
		}
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if _, err := r.messages.InsertOne(ctx, m.Record()); err != nil {
		// lost a race with a resend of the same client id
		if mongo.IsDuplicateKeyError(err) && m.ClientID != "" {
			orig, ferr := r.byClientID(ctx, m.SenderID, m.ClientID)
			return orig, false, ferr
		}
		return message.Message{}, false, err
	}
	return m, true, nil
}

func (r *MongoRepository) byClientID(ctx context.Context, senderID, clientID string) (message.Message, error) {
	var rec message.Record
	err := r.messages.FindOne(ctx, bson.M{"sender_id": senderID, "client_id": clientID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return message.Message{}, ErrNotFound
	}
	if err != nil {
		return message.Message{}, err
	}
	return rec.Message(), nil
}

func (r *MongoRepository) ListMessages(ctx context.Context, conversationID string) ([]message.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	cur, err := r.messages.Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []message.Message{}
	for cur.Next(ctx) {
		var rec message.Record
		if err := cur.Decode(&rec); err != nil {
			return nil, err
		}
		out = append(out, rec.Message())
	}
	return out, cur.Err()
}

func (r *MongoRepository) MarkRead(ctx context.Context, conversationID, readerID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	res, err := r.messages.UpdateMany(ctx,
		bson.M{
			"conversation_id": conversationID,
			"sender_id":       bson.M{"$ne": readerID},
			"status":          bson.M{"$ne": message.StatusRead.String()},
		},
		bson.M{"$set": bson.M{"status": message.StatusRead.String()}},
	)
	if err != nil {
		return 0, err
	}
	return int(res.ModifiedCount), nil
}
