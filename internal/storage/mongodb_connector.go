package storage

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"pipeline-backend/internal/core/types"
	"sort"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	mongoInsertOperation = "insert"
	mongoIdField         = "_id"
	mongoSrvParam        = "srv"
)

type MongoConnector struct {
	conn      types.ConnectionRef
	decrypter Decrypter

	client *mongo.Client
	db     *mongo.Database
}

var _ Connector = (*MongoConnector)(nil)

func NewMongoConnector(conn types.ConnectionRef, decrypter Decrypter) (*MongoConnector, error) {
	if conn.Host == "" {
		return nil, fmt.Errorf("%w: mongodb connection requires a host", types.ErrConfiguration)
	}
	if conn.Database == "" {
		return nil, fmt.Errorf("%w: mongodb connection requires a database", types.ErrConfiguration)
	}
	return &MongoConnector{conn: conn, decrypter: decrypter}, nil
}

// connectionURI builds a standard or SRV connection string. Extra params other
// than "srv" are passed through as URI options.
func (c *MongoConnector) connectionURI(password string) string {
	uri := url.URL{Scheme: "mongodb", Path: "/"}

	if c.conn.ExtraBool(mongoSrvParam) {
		uri.Scheme = "mongodb+srv"
		uri.Host = c.conn.Host
	} else {
		uri.Host = net.JoinHostPort(c.conn.Host, strconv.Itoa(c.conn.Port))
	}

	if c.conn.Username != "" {
		uri.User = url.UserPassword(c.conn.Username, password)
	}

	keys := make([]string, 0, len(c.conn.ExtraParams))
	for k := range c.conn.ExtraParams {
		if k != mongoSrvParam {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	query := url.Values{}
	for _, k := range keys {
		query.Set(k, fmt.Sprint(c.conn.ExtraParams[k]))
	}
	uri.RawQuery = query.Encode()

	return uri.String()
}

func (c *MongoConnector) Connect(ctx context.Context) error {
	password, err := decryptPassword(c.conn, c.decrypter)
	if err != nil {
		return err
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.connectionURI(password)))
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrConnection, err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		if err := client.Disconnect(context.Background()); err != nil {
			slog.Error("error disconnecting mongodb client", "error", err)
		}
		return fmt.Errorf("%w: %v", types.ErrConnection, err)
	}

	c.client = client
	c.db = client.Database(c.conn.Database)

	slog.Info("connected to mongodb", "host", c.conn.Host, "database", c.conn.Database)
	return nil
}

// Normalize accepts change stream insert notifications and returns the full
// document with parent_id set to the document key.
func (c *MongoConnector) Normalize(event map[string]any) (map[string]any, error) {
	op := event["operationType"]
	if op != mongoInsertOperation {
		return nil, unsupportedOperation(c.conn.Engine, op)
	}

	fullDocument, ok := event["fullDocument"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: insert event is missing fullDocument", types.ErrUnsupportedOperation)
	}

	parentId := fullDocument[mongoIdField]
	if documentKey, ok := event["documentKey"].(map[string]any); ok {
		if id, ok := documentKey[mongoIdField]; ok {
			parentId = id
		}
	}

	return copyFields(fullDocument, parentId), nil
}

func (c *MongoConnector) Insert(ctx context.Context, collection string, object map[string]any) error {
	if c.db == nil {
		return fmt.Errorf("%w: mongodb connector is not connected", types.ErrInsertion)
	}

	if _, err := c.db.Collection(collection).InsertOne(ctx, bson.M(object)); err != nil {
		return fmt.Errorf("%w: insert into '%s': %v", types.ErrInsertion, collection, err)
	}
	return nil
}

func (c *MongoConnector) Close(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	err := c.client.Disconnect(ctx)
	c.client, c.db = nil, nil
	return err
}
