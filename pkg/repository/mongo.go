package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/example/campuseats/pkg/config"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoRepository struct {
	client   *mongo.Client
	database *mongo.Database
	config   *config.MongoDBConfig
}

func NewMongoRepository(cfg *config.MongoDBConfig) (*MongoRepository, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	return &MongoRepository{
		client:   client,
		database: client.Database(cfg.Database),
		config:   cfg,
	}, nil
}

func (m *MongoRepository) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *MongoRepository) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// AuditLog is one order lifecycle event.
type AuditLog struct {
	ID         string    `bson:"_id,omitempty" json:"id,omitempty"`
	Service    string    `bson:"service" json:"service"`
	Action     string    `bson:"action" json:"action"`
	EntityID   string    `bson:"entity_id" json:"entityId"`
	ActorID    string    `bson:"actor_id" json:"actorId"`
	FromStatus string    `bson:"from_status,omitempty" json:"fromStatus,omitempty"`
	ToStatus   string    `bson:"to_status,omitempty" json:"toStatus,omitempty"`
	Data       bson.M    `bson:"data,omitempty" json:"data,omitempty"`
	CreatedAt  time.Time `bson:"created_at" json:"createdAt"`
}

// EnsureIndexes creates the lookup index used by GetAuditLogs.
func (m *MongoRepository) EnsureIndexes(ctx context.Context) error {
	collection := m.database.Collection(m.config.Collection)
	_, err := collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "entity_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create audit index: %w", err)
	}
	return nil
}

func (m *MongoRepository) CreateAuditLog(ctx context.Context, log *AuditLog) error {
	collection := m.database.Collection(m.config.Collection)
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	_, err := collection.InsertOne(ctx, log)
	return err
}

func (m *MongoRepository) GetAuditLogs(ctx context.Context, entityID string, limit int64) ([]*AuditLog, error) {
	collection := m.database.Collection(m.config.Collection)

	filter := bson.M{"entity_id": entityID}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit)

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var logs []*AuditLog
	if err = cursor.All(ctx, &logs); err != nil {
		return nil, err
	}

	return logs, nil
}
