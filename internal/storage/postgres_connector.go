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
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

const (
	postgresCreateOp     = "c"
	postgresIdFieldParam = "id_field"
	postgresDefaultId    = "id"
)

// PostgresConnector reads Debezium style change events and writes embeddings
// into tables, storing vectors in pgvector columns.
type PostgresConnector struct {
	conn      types.ConnectionRef
	decrypter Decrypter
	idField   string

	client *pgx.Conn
}

var _ Connector = (*PostgresConnector)(nil)

func NewPostgresConnector(conn types.ConnectionRef, decrypter Decrypter) (*PostgresConnector, error) {
	if conn.Host == "" {
		return nil, fmt.Errorf("%w: postgresql connection requires a host", types.ErrConfiguration)
	}
	if conn.Database == "" {
		return nil, fmt.Errorf("%w: postgresql connection requires a database", types.ErrConfiguration)
	}
	return &PostgresConnector{
		conn:      conn,
		decrypter: decrypter,
		idField:   conn.ExtraString(postgresIdFieldParam, postgresDefaultId),
	}, nil
}

func (c *PostgresConnector) connectionString(password string) string {
	uri := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.conn.Host, strconv.Itoa(c.conn.Port)),
		Path:   "/" + c.conn.Database,
	}
	if c.conn.Username != "" {
		uri.User = url.UserPassword(c.conn.Username, password)
	}

	query := url.Values{}
	for k, v := range c.conn.ExtraParams {
		if k != postgresIdFieldParam {
			query.Set(k, fmt.Sprint(v))
		}
	}
	uri.RawQuery = query.Encode()

	return uri.String()
}

func (c *PostgresConnector) Connect(ctx context.Context) error {
	password, err := decryptPassword(c.conn, c.decrypter)
	if err != nil {
		return err
	}

	client, err := pgx.Connect(ctx, c.connectionString(password))
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrConnection, err)
	}
	c.client = client

	slog.Info("connected to postgresql", "host", c.conn.Host, "database", c.conn.Database)
	return nil
}

// Normalize accepts create events ({"op": "c", "after": {...}}), optionally
// wrapped in a "payload" envelope.
func (c *PostgresConnector) Normalize(event map[string]any) (map[string]any, error) {
	if payload, ok := event["payload"].(map[string]any); ok {
		event = payload
	}

	op := event["op"]
	if op != postgresCreateOp {
		return nil, unsupportedOperation(c.conn.Engine, op)
	}

	after, ok := event["after"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: create event is missing the 'after' row image", types.ErrUnsupportedOperation)
	}

	return copyFields(after, after[c.idField]), nil
}

func (c *PostgresConnector) Insert(ctx context.Context, collection string, object map[string]any) error {
	if c.client == nil {
		return fmt.Errorf("%w: postgresql connector is not connected", types.ErrInsertion)
	}

	columns := make([]string, 0, len(object))
	for col := range object {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, col := range columns {
		quoted[i] = pgx.Identifier{col}.Sanitize()
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = toPostgresValue(object[col])
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		pgx.Identifier(strings.Split(collection, ".")).Sanitize(),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
	)

	if _, err := c.client.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: insert into '%s': %v", types.ErrInsertion, collection, err)
	}
	return nil
}

// toPostgresValue encodes embeddings in the pgvector text format so they can be
// bound without registering the vector type on the connection.
func toPostgresValue(v any) any {
	switch value := v.(type) {
	case []float32:
		return pgvector.NewVector(value).String()
	case []float64:
		vec := make([]float32, len(value))
		for i, f := range value {
			vec[i] = float32(f)
		}
		return pgvector.NewVector(vec).String()
	default:
		return v
	}
}

func (c *PostgresConnector) Close(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close(ctx)
	c.client = nil
	return err
}
