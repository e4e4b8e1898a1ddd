package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo stores each collection as a MongoDB collection with the document id
// as _id.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

// OpenMongo connects and pings the server.
func OpenMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	if database == "" {
		database = "geoattend"
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connect mongo")
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ping mongo")
	}
	return &Mongo{client: client, db: client.Database(database)}, nil
}

func (m *Mongo) CreateOrReplace(ctx context.Context, collection, id string, doc Doc) error {
	body := withID(doc, id)
	body["_id"] = id
	_, err := m.db.Collection(collection).ReplaceOne(ctx, bson.M{"_id": id}, body, options.Replace().SetUpsert(true))
	return errors.Wrapf(err, "mongo upsert %s/%s", collection, id)
}

func (m *Mongo) Read(ctx context.Context, collection, id string) (Doc, error) {
	var raw bson.M
	err := m.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "mongo read %s/%s", collection, id)
	}
	return fromBSON(raw)
}

func (m *Mongo) QueryEqual(ctx context.Context, collection, field string, value any) ([]Doc, error) {
	return m.find(ctx, collection, bson.M{field: normalize(value)})
}

func (m *Mongo) UpdateFields(ctx context.Context, collection, id string, partial Doc) error {
	patch, err := Encode(partial)
	if err != nil {
		return err
	}
	delete(patch, "_id")
	res, err := m.db.Collection(collection).UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": patch})
	if err != nil {
		return errors.Wrapf(err, "mongo update %s/%s", collection, id)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) Delete(ctx context.Context, collection, id string) error {
	res, err := m.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return errors.Wrapf(err, "mongo delete %s/%s", collection, id)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) All(ctx context.Context, collection string) ([]Doc, error) {
	return m.find(ctx, collection, bson.M{})
}

func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *Mongo) find(ctx context.Context, collection string, filter bson.M) ([]Doc, error) {
	cur, err := m.db.Collection(collection).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, errors.Wrapf(err, "mongo find %s", collection)
	}
	var raws []bson.M
	if err := cur.All(ctx, &raws); err != nil {
		return nil, errors.Wrapf(err, "mongo decode %s", collection)
	}
	out := make([]Doc, 0, len(raws))
	for _, raw := range raws {
		d, err := fromBSON(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// fromBSON strips _id and normalises driver types (int32, primitive.A, ...)
// through JSON so callers see the same shapes as the other backends.
func fromBSON(raw bson.M) (Doc, error) {
	delete(raw, "_id")
	return Encode(map[string]any(raw))
}
