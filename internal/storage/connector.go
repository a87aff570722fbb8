package storage

import (
	"context"
	"fmt"
	"pipeline-backend/internal/core/types"
)

// ParentIdField is the canonical field carrying the identity of the record
// that triggered a change event.
const ParentIdField = "parent_id"

// Connector is a session against one tenant data store. A connector holds a
// single live client after Connect and must not be reused across pipeline
// invocations.
type Connector interface {
	// Connect opens the session. It never retries; retry policy belongs to the
	// task queue.
	Connect(ctx context.Context) error

	// Normalize converts a store specific change notification into the
	// canonical field map, including ParentIdField.
	Normalize(event map[string]any) (map[string]any, error)

	Insert(ctx context.Context, collection string, object map[string]any) error

	Close(ctx context.Context) error
}

type Decrypter interface {
	Decrypt(ciphertext []byte) (string, error)
}

type ConnectorFactory func(conn types.ConnectionRef) (Connector, error)

// NewConnectorFactory returns a factory which builds connectors whose
// credentials are decrypted with decrypter.
func NewConnectorFactory(decrypter Decrypter) ConnectorFactory {
	return func(conn types.ConnectionRef) (Connector, error) {
		return NewConnector(conn, decrypter)
	}
}

func NewConnector(conn types.ConnectionRef, decrypter Decrypter) (Connector, error) {
	conn = conn.WithDefaults()

	switch conn.Engine {
	case types.MongoDBEngine:
		return NewMongoConnector(conn, decrypter)
	case types.PostgresEngine:
		return NewPostgresConnector(conn, decrypter)
	case types.S3Engine:
		return NewS3Connector(conn, decrypter)
	default:
		return nil, fmt.Errorf("%w: unsupported storage engine '%s'", types.ErrConfiguration, conn.Engine)
	}
}

func decryptPassword(conn types.ConnectionRef, decrypter Decrypter) (string, error) {
	if len(conn.Password) == 0 {
		return "", nil
	}
	if decrypter == nil {
		return "", fmt.Errorf("%w: no decrypter configured for connection credentials", types.ErrConnection)
	}
	password, err := decrypter.Decrypt(conn.Password)
	if err != nil {
		return "", fmt.Errorf("%w: unable to decrypt credentials: %v", types.ErrConnection, err)
	}
	return password, nil
}

func copyFields(fields map[string]any, parentId any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[ParentIdField] = parentId
	return out
}

func unsupportedOperation(engine types.Engine, op any) error {
	return fmt.Errorf("%w: operation '%v' is not supported for %s change events", types.ErrUnsupportedOperation, op, engine)
}
