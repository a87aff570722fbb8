package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"pipeline-backend/internal/core/types"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

const (
	s3CreatedEventPrefix = "ObjectCreated:"
	s3RegionParam        = "region"
	s3EndpointParam      = "endpoint"
	presignExpiry        = time.Hour
)

// S3Connector reacts to ObjectCreated bucket notifications and writes records
// as JSON objects. The connection's database is the bucket, host is an
// optional endpoint (for MinIO and other S3 compatible stores), and
// username/password are the access key pair.
type S3Connector struct {
	conn      types.ConnectionRef
	decrypter Decrypter

	client   *s3.Client
	uploader *manager.Uploader
}

var _ Connector = (*S3Connector)(nil)

func NewS3Connector(conn types.ConnectionRef, decrypter Decrypter) (*S3Connector, error) {
	if conn.Database == "" {
		return nil, fmt.Errorf("%w: s3 connection requires a bucket in 'database'", types.ErrConfiguration)
	}
	return &S3Connector{conn: conn, decrypter: decrypter}, nil
}

func (c *S3Connector) endpoint() string {
	if c.conn.Host == "" {
		return c.conn.ExtraString(s3EndpointParam, "")
	}
	if strings.Contains(c.conn.Host, "://") {
		return c.conn.Host
	}
	if c.conn.Port != 0 {
		return fmt.Sprintf("http://%s:%d", c.conn.Host, c.conn.Port)
	}
	return "https://" + c.conn.Host
}

func (c *S3Connector) Connect(ctx context.Context) error {
	secret, err := decryptPassword(c.conn, c.decrypter)
	if err != nil {
		return err
	}

	client, err := initializeS3Client(ctx, S3ClientConfig{
		Endpoint:        c.endpoint(),
		Region:          c.conn.ExtraString(s3RegionParam, "us-east-1"),
		AccessKeyID:     c.conn.Username,
		SecretAccessKey: secret,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrConnection, err)
	}

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.conn.Database)}); err != nil {
		return fmt.Errorf("%w: failed to verify access to s3://%s: %v", types.ErrConnection, c.conn.Database, err)
	}

	c.client = client
	c.uploader = manager.NewUploader(client)

	slog.Info("connected to s3", "endpoint", c.endpoint(), "bucket", c.conn.Database)
	return nil
}

// Normalize maps the first record of a bucket notification to
// {bucket, key, size, file_url} with the key as parent_id. file_url is a
// presigned GET url once the connector is connected.
func (c *S3Connector) Normalize(event map[string]any) (map[string]any, error) {
	records, _ := event["Records"].([]any)
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: s3 event has no records", types.ErrUnsupportedOperation)
	}

	record, _ := records[0].(map[string]any)
	eventName, _ := record["eventName"].(string)
	if !strings.HasPrefix(eventName, s3CreatedEventPrefix) {
		return nil, unsupportedOperation(c.conn.Engine, record["eventName"])
	}

	s3Info, _ := record["s3"].(map[string]any)
	bucketInfo, _ := s3Info["bucket"].(map[string]any)
	objectInfo, _ := s3Info["object"].(map[string]any)

	bucket, _ := bucketInfo["name"].(string)
	rawKey, _ := objectInfo["key"].(string)
	if bucket == "" || rawKey == "" {
		return nil, fmt.Errorf("%w: s3 event is missing bucket or object key", types.ErrUnsupportedOperation)
	}
	key := s3ObjectKey(rawKey)

	fields := map[string]any{
		"bucket":   bucket,
		"key":      key,
		"size":     objectInfo["size"],
		"file_url": fmt.Sprintf("s3://%s/%s", bucket, key),
	}

	if c.client != nil {
		presigned, err := s3.NewPresignClient(c.client).PresignGetObject(context.Background(), &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}, s3.WithPresignExpires(presignExpiry))
		if err != nil {
			slog.Warn("unable to presign object url, using s3 uri", "bucket", bucket, "key", key, "error", err)
		} else {
			fields["file_url"] = presigned.URL
		}
	}

	return copyFields(fields, key), nil
}

func (c *S3Connector) Insert(ctx context.Context, collection string, object map[string]any) error {
	if c.uploader == nil {
		return fmt.Errorf("%w: s3 connector is not connected", types.ErrInsertion)
	}

	data, err := json.Marshal(object)
	if err != nil {
		return fmt.Errorf("%w: unable to encode record: %v", types.ErrInsertion, err)
	}

	key := path.Join(collection, uuid.New().String()+".json")
	if _, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.conn.Database),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return fmt.Errorf("%w: upload s3://%s/%s: %v", types.ErrInsertion, c.conn.Database, key, err)
	}
	return nil
}

func (c *S3Connector) Close(ctx context.Context) error {
	c.client, c.uploader = nil, nil
	return nil
}
