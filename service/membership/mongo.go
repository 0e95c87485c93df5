package membership

import (
	"context"

	"PPRealtime/data/database/mgo/mongoutil"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const membersCollection = "conversation_members"

type memberDoc struct {
	ConversationID string `bson:"conversation_id"`
	UserID         string `bson:"user_id"`
}

// Mongo reads documents {conversation_id, user_id} from conversation_members.
type Mongo struct {
	cli  *mongoutil.Client
	coll *mongo.Collection
}

func NewMongo(ctx context.Context, cfg *mongoutil.Config) (*Mongo, error) {
	cli, err := mongoutil.NewMongoDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Mongo{cli: cli, coll: cli.GetDB().Collection(membersCollection)}, nil
}

func (m *Mongo) GetConversationParticipants(ctx context.Context, conversationID string) ([]string, error) {
	opts := options.Find().SetProjection(bson.M{"user_id": 1, "_id": 0})
	cur, err := m.coll.Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "find participants conv=%s", conversationID)
	}
	var docs []memberDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrapf(err, "decode participants conv=%s", conversationID)
	}
	users := make([]string, 0, len(docs))
	for _, d := range docs {
		users = append(users, d.UserID)
	}
	return users, nil
}

func (m *Mongo) Close(ctx context.Context) error { return m.cli.Close(ctx) }
