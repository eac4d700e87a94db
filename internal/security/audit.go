package security

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Sink receives finished execution records. Sinks are write-only from the
// core's perspective; a sink error never fails the execution that
// produced the record.
type Sink interface {
	Write(ctx context.Context, rec ExecutionRecord) error
	Close() error
}

// FileSink appends execution records as JSONL to an audit file, one JSON
// document per line, permissions 0600.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens (or creates) the audit file in append-only mode.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file %s: %w", path, err)
	}
	return &FileSink{file: f}, nil
}

func (s *FileSink) Write(_ context.Context, rec ExecutionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("failed to write execution record: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// ExecutionChannel is the Redis channel audit records are published on.
const ExecutionChannel = "code_executions"

// RedisSink publishes execution records to a Redis channel so other
// services can observe executions as they happen.
type RedisSink struct {
	client *redis.Client
}

// NewRedisSink wraps an existing Redis client. The sink does not own the
// client's lifecycle.
func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client}
}

func (s *RedisSink) Write(ctx context.Context, rec ExecutionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution record: %w", err)
	}
	if err := s.client.Publish(ctx, ExecutionChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish execution record: %w", err)
	}
	return nil
}

func (s *RedisSink) Close() error { return nil }

// MongoSink archives execution records into a MongoDB collection, indexed
// by caller and timestamp for offline review.
type MongoSink struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoSink connects to MongoDB and prepares the execution_records
// collection.
func NewMongoSink(uri, dbName string) (*MongoSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	coll := client.Database(dbName).Collection("execution_records")
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "caller_id", Value: 1}}},
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create audit indexes: %w", err)
	}

	return &MongoSink{client: client, collection: coll}, nil
}

func (s *MongoSink) Write(ctx context.Context, rec ExecutionRecord) error {
	if _, err := s.collection.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("failed to insert execution record: %w", err)
	}
	return nil
}

func (s *MongoSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
