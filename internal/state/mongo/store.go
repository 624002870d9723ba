// Package mongo implements the document store on a MongoDB collection.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/user/incidentd/internal/types"
)

const (
	defaultCollection = "incident_documents"
	defaultOpTimeout  = 5 * time.Second
)

// Options configures the Mongo document store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements types.DocumentStore. Documents are keyed by
// (partition, _id) with a unique compound index.
type Store struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

type document struct {
	ID        string    `bson:"_id"`
	Partition string    `bson:"partition"`
	Kind      string    `bson:"kind"`
	Body      []byte    `bson:"body"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// Connect dials uri and returns a Store on the given database.
func Connect(ctx context.Context, uri string, opts Options) (*Store, error) {
	client, err := mongodriver.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	opts.Client = client
	return New(opts)
}

// New returns a Store backed by MongoDB.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return newStoreWithCollection(opts.Client, coll, timeout), nil
}

func newStoreWithCollection(client *mongodriver.Client, coll collection, timeout time.Duration) *Store {
	return &Store{mongo: client, coll: coll, timeout: timeout}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "partition", Value: 1}, {Key: "_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create partition index: %w", err)
	}
	_, err = coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "kind", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create kind index: %w", err)
	}
	return nil
}

func (s *Store) Name() string {
	return "documents-mongo"
}

func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Disconnect closes the underlying client.
func (s *Store) Disconnect(ctx context.Context) error {
	if s.mongo == nil {
		return nil
	}
	return s.mongo.Disconnect(ctx)
}

func (s *Store) Upsert(ctx context.Context, doc *types.Document) error {
	if doc.ID == "" || doc.Partition == "" {
		return fmt.Errorf("%w: document id and partition are required", types.ErrMalformed)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": doc.ID, "partition": doc.Partition}
	replacement := document{
		ID:        doc.ID,
		Partition: doc.Partition,
		Kind:      doc.Kind,
		Body:      doc.Body,
		UpdatedAt: doc.UpdatedAt.UTC(),
	}
	if _, err := s.coll.ReplaceOne(ctx, filter, replacement, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("upsert %s: %w", doc.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id, partition string) (*types.Document, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc document
	if err := s.coll.FindOne(ctx, bson.M{"_id": id, "partition": partition}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("document %s: %w", id, types.ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return doc.toDocument(), nil
}

func (s *Store) Query(ctx context.Context, partition string, filter types.Filter) ([]*types.Document, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	q := bson.M{}
	if partition != "" {
		q["partition"] = partition
	}
	if filter.Kind != "" {
		q["kind"] = filter.Kind
	}
	cur, err := s.coll.Find(ctx, q, options.Find().SetSort(bson.D{{Key: "partition", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer cur.Close(ctx)
	var out []*types.Document
	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		out = append(out, doc.toDocument())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id, partition string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": id, "partition": partition}); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (d *document) toDocument() *types.Document {
	return &types.Document{
		ID:        d.ID,
		Partition: d.Partition,
		Kind:      d.Kind,
		Body:      d.Body,
		UpdatedAt: d.UpdatedAt,
	}
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	ReplaceOne(ctx context.Context, filter any, replacement any,
		opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any,
		opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter any, replacement any,
	opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any,
	opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
