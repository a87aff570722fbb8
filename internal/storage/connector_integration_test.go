package storage

import (
	"context"
	"net"
	"pipeline-backend/internal/core/types"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	minioUsername = "admin"
	minioPassword = "password"
)

func setupPgvectorContainer(t *testing.T, ctx context.Context) (types.ConnectionRef, string) {
	dbName, dbUser, dbPassword := "test_db", "test_user", "test_password"

	container, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")

	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()), "Failed to terminate PostgreSQL container")
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	return types.ConnectionRef{
		Engine:      types.PostgresEngine,
		Host:        host,
		Port:        port.Int(),
		Database:    dbName,
		Username:    dbUser,
		Password:    []byte(dbPassword),
		ExtraParams: map[string]any{"sslmode": "disable"},
	}, connStr
}

func TestPostgresConnectorInsertsVectors(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	conn, connStr := setupPgvectorContainer(t, ctx)

	admin, err := pgx.Connect(ctx, connStr)
	require.NoError(t, err)
	defer admin.Close(ctx)

	_, err = admin.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE TABLE resume_embeddings (text TEXT, embedding vector(2), metadata JSONB, parent_id TEXT)")
	require.NoError(t, err)

	connector, err := NewConnector(conn, plainDecrypter{})
	require.NoError(t, err)
	require.NoError(t, connector.Connect(ctx))
	defer connector.Close(ctx)

	require.NoError(t, connector.Insert(ctx, "resume_embeddings", map[string]any{
		"text":      "Name: Jane",
		"embedding": []float64{0.1, 0.2},
		"metadata":  map[string]any{},
		"parent_id": "abc123",
	}))

	var text, parentId, embedding string
	require.NoError(t, admin.QueryRow(ctx, "SELECT text, parent_id, embedding::text FROM resume_embeddings").Scan(&text, &parentId, &embedding))
	assert.Equal(t, "Name: Jane", text)
	assert.Equal(t, "abc123", parentId)
	assert.Equal(t, "[0.1,0.2]", embedding)

	err = connector.Insert(ctx, "missing_table", map[string]any{"text": "x"})
	assert.ErrorIs(t, err, types.ErrInsertion)
}

func TestPostgresConnectorBadPassword(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	conn, _ := setupPgvectorContainer(t, context.Background())
	conn.Password = []byte("wrong")

	connector, err := NewConnector(conn, plainDecrypter{})
	require.NoError(t, err)
	assert.ErrorIs(t, connector.Connect(context.Background()), types.ErrConnection)
}

func setupMongoContainer(t *testing.T, ctx context.Context) (types.ConnectionRef, string) {
	user, password := "test_user", "test_password"

	container, err := mongodb.Run(ctx,
		"mongo:7",
		mongodb.WithUsername(user),
		mongodb.WithPassword(password),
	)
	require.NoError(t, err, "Failed to start MongoDB container")

	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()), "Failed to terminate MongoDB container")
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "27017/tcp")
	require.NoError(t, err)

	connStr, err := container.ConnectionString(ctx)
	require.NoError(t, err, "Failed to get MongoDB connection string")

	return types.ConnectionRef{
		Engine:      types.MongoDBEngine,
		Host:        host,
		Port:        port.Int(),
		Database:    "use_cases",
		Username:    user,
		Password:    []byte(password),
		ExtraParams: map[string]any{"authSource": "admin"},
	}, connStr
}

func TestMongoConnectorInsertsEmbeddings(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	conn, connStr := setupMongoContainer(t, ctx)

	connector, err := NewConnector(conn, plainDecrypter{})
	require.NoError(t, err)
	require.NoError(t, connector.Connect(ctx))
	defer connector.Close(ctx)

	require.NoError(t, connector.Insert(ctx, "resume_embeddings", map[string]any{
		"text":      "Name: Jane",
		"embedding": []float64{0.1, 0.2},
		"metadata":  map[string]any{},
		"parent_id": "abc123",
	}))

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connStr))
	require.NoError(t, err)
	defer client.Disconnect(ctx)

	var stored bson.M
	require.NoError(t, client.Database("use_cases").Collection("resume_embeddings").
		FindOne(ctx, bson.M{"parent_id": "abc123"}).Decode(&stored))

	assert.Equal(t, "Name: Jane", stored["text"])
	assert.Equal(t, bson.A{0.1, 0.2}, stored["embedding"])
	assert.Equal(t, bson.M{}, stored["metadata"])
	assert.Equal(t, "abc123", stored["parent_id"])
}

func TestMongoConnectorBadPassword(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	conn, _ := setupMongoContainer(t, ctx)
	conn.Password = []byte("wrong")

	connector, err := NewConnector(conn, plainDecrypter{})
	require.NoError(t, err)

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	assert.ErrorIs(t, connector.Connect(connectCtx), types.ErrConnection)

	err = connector.Insert(ctx, "resume_embeddings", map[string]any{"text": "x"})
	assert.ErrorIs(t, err, types.ErrInsertion)
}

func setupMinioContainer(t *testing.T, ctx context.Context) string {
	container, err := minio.Run(
		ctx,
		"minio/minio:RELEASE.2024-01-16T16-07-38Z",
		minio.WithUsername(minioUsername),
		minio.WithPassword(minioPassword),
	)
	require.NoError(t, err, "Failed to start MinIO container")

	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()), "Failed to terminate MinIO container")
	})

	connStr, err := container.ConnectionString(ctx)
	require.NoError(t, err, "Failed to get MinIO connection string")

	return connStr
}

func TestS3ConnectorUploadsRecords(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	endpoint := setupMinioContainer(t, ctx)
	host, portStr, err := net.SplitHostPort(endpoint)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	client, err := initializeS3Client(ctx, S3ClientConfig{
		Endpoint:        "http://" + endpoint,
		Region:          "us-east-1",
		AccessKeyID:     minioUsername,
		SecretAccessKey: minioPassword,
	})
	require.NoError(t, err)
	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String("uploads")})
	require.NoError(t, err)

	connector, err := NewConnector(types.ConnectionRef{
		Engine:   types.S3Engine,
		Host:     host,
		Port:     port,
		Database: "uploads",
		Username: minioUsername,
		Password: []byte(minioPassword),
	}, plainDecrypter{})
	require.NoError(t, err)
	require.NoError(t, connector.Connect(ctx))
	defer connector.Close(ctx)

	fields, err := connector.Normalize(map[string]any{
		"Records": []any{map[string]any{
			"eventName": "ObjectCreated:Put",
			"s3": map[string]any{
				"bucket": map[string]any{"name": "uploads"},
				"object": map[string]any{"key": "doc.pdf", "size": 10.0},
			},
		}},
	})
	require.NoError(t, err)
	assert.Contains(t, fields["file_url"], "X-Amz-Signature")

	require.NoError(t, connector.Insert(ctx, "embeddings", map[string]any{"text": "hello", "parent_id": "doc.pdf"}))

	objects, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String("uploads"),
		Prefix: aws.String("embeddings/"),
	})
	require.NoError(t, err)
	assert.Len(t, objects.Contents, 1)

	missing, err := NewConnector(types.ConnectionRef{
		Engine:   types.S3Engine,
		Host:     host,
		Port:     port,
		Database: "does-not-exist",
		Username: minioUsername,
		Password: []byte(minioPassword),
	}, plainDecrypter{})
	require.NoError(t, err)
	assert.ErrorIs(t, missing.Connect(ctx), types.ErrConnection)
}
