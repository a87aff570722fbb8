package integrationtests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"pipeline-backend/internal/api"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	dbName     = "test_db"
	dbUser     = "test_user"
	dbPassword = "test_password"
)

type postgresContainer struct {
	host    string
	port    int
	connStr string
}

// setupPostgresContainer starts a postgres server with the vector extension,
// used both for task records and as the tenant store pipelines write to.
func setupPostgresContainer(t *testing.T, ctx context.Context) postgresContainer {
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
		err := container.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate PostgreSQL container")
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get PostgreSQL connection string")

	return postgresContainer{host: host, port: port.Int(), connStr: connStr}
}

func setupRabbitMQContainer(t *testing.T, ctx context.Context) string {
	container, err := rabbitmq.Run(ctx, "rabbitmq:3.11-management")
	require.NoError(t, err, "Failed to start RabbitMQ container")

	t.Cleanup(func() {
		err := container.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate RabbitMQ container")
	})

	connStr, err := container.AmqpURL(ctx)
	require.NoError(t, err, "Failed to get RabbitMQ AMQP URL")

	return connStr
}

// collaborators fakes the extraction and embedding services over HTTP.
type collaborators struct {
	mu        sync.Mutex
	chunks    map[string][]string
	vectors   map[string][]float64
	extracted []map[string]any

	server *httptest.Server
}

func newCollaborators(t *testing.T) *collaborators {
	c := &collaborators{chunks: map[string][]string{}, vectors: map[string][]float64{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/extract", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		c.mu.Lock()
		c.extracted = append(c.extracted, req)
		texts, ok := c.chunks[fmt.Sprint(req["file_url"])]
		c.mu.Unlock()

		if !ok {
			writeJson(w, map[string]any{"success": false, "status": 422, "message": "unable to read document"})
			return
		}

		output := make([]map[string]any, 0, len(texts))
		for _, text := range texts {
			output = append(output, map[string]any{"text": text, "metadata": map[string]any{}})
		}
		writeJson(w, map[string]any{"success": true, "status": 200, "output": output})
	})
	mux.HandleFunc("/embed", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input string `json:"input"`
			Model string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		c.mu.Lock()
		vec, ok := c.vectors[req.Input]
		c.mu.Unlock()

		if !ok {
			writeJson(w, map[string]any{"success": false, "status": 503, "message": "model unavailable"})
			return
		}
		writeJson(w, map[string]any{"success": true, "embedding": vec})
	})

	c.server = httptest.NewServer(mux)
	t.Cleanup(c.server.Close)

	return c
}

func writeJson(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func httpRequest(handler http.Handler, method, endpoint, tenant string, payload any, dest any) error {
	var body io.Reader
	if payload != nil {
		requestBody, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(requestBody)
	}

	req := httptest.NewRequest(method, endpoint, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.TenantHeader, tenant)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		return fmt.Errorf("expected status code 200, got %d: %v", rr.Code, rr.Body.String())
	}

	if dest != nil {
		if err := json.Unmarshal(rr.Body.Bytes(), dest); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}
