package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

type SourceType string

const (
	FileUrlSource  SourceType = "file_url"
	ContentsSource SourceType = "contents"
)

// Engine names the kind of data store a pipeline reads events from and writes
// embeddings to. mongodb is the document store engine, postgresql the
// relational one.
type Engine string

const (
	MongoDBEngine  Engine = "mongodb"
	PostgresEngine Engine = "postgresql"
	S3Engine       Engine = "s3"
)

var defaultPorts = map[Engine]int{
	MongoDBEngine:  27017,
	PostgresEngine: 5432,
}

type Source struct {
	Field    string         `json:"field" validate:"required"`
	Type     SourceType     `json:"type" validate:"required,oneof=file_url contents"`
	Settings map[string]any `json:"settings"`
}

type Destination struct {
	Collection     string `json:"collection" validate:"required"`
	Field          string `json:"field" validate:"required"`
	EmbeddingField string `json:"embedding_field" validate:"required"`
}

type Mapping struct {
	EmbeddingModel string      `json:"embedding_model" validate:"required"`
	Source         Source      `json:"source"`
	Destination    Destination `json:"destination"`
}

// ConnectionRef describes how to reach a tenant's data store. Password is
// always ciphertext; it is decrypted only by a storage connector when it
// connects.
type ConnectionRef struct {
	Engine      Engine         `json:"engine" validate:"required,oneof=mongodb postgresql s3"`
	Host        string         `json:"host" validate:"required_unless=Engine s3"`
	Port        int            `json:"port,omitempty" validate:"gte=0,lte=65535"`
	Database    string         `json:"database" validate:"required"`
	Username    string         `json:"username"`
	Password    []byte         `json:"password"`
	ExtraParams map[string]any `json:"extra_params,omitempty"`
}

// WithDefaults returns a copy with the engine's default port filled in.
func (c ConnectionRef) WithDefaults() ConnectionRef {
	if c.Port == 0 {
		c.Port = defaultPorts[c.Engine]
	}
	return c
}

// ExtraString returns extra_params[key] if it is a non-empty string.
func (c ConnectionRef) ExtraString(key, fallback string) string {
	if v, ok := c.ExtraParams[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func (c ConnectionRef) ExtraBool(key string) bool {
	switch v := c.ExtraParams[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	}
	return false
}

type Pipeline struct {
	PipelineId string         `json:"pipeline_id" validate:"required"`
	Enabled    bool           `json:"enabled"`
	Connection ConnectionRef  `json:"connection"`
	Mappings   []Mapping      `json:"mappings" validate:"required,min=1,dive"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	LastRun    *time.Time     `json:"last_run,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the structural invariants of a pipeline definition: at least
// one mapping, a model name on every mapping and a known source type.
func (p *Pipeline) Validate() error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed on '%s'", ErrInvalidPipeline, verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidPipeline, err)
	}
	return nil
}

// NewPipeline fills connection defaults and validates the definition.
func NewPipeline(p Pipeline) (Pipeline, error) {
	p.Connection = p.Connection.WithDefaults()
	if err := p.Validate(); err != nil {
		return Pipeline{}, err
	}
	return p, nil
}

// ParsePipeline decodes an untyped pipeline document into a validated Pipeline.
func ParsePipeline(data []byte) (Pipeline, error) {
	var p Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return Pipeline{}, fmt.Errorf("%w: %v", ErrInvalidPipeline, err)
	}
	return NewPipeline(p)
}

type Chunk struct {
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata"`
	ElementId string         `json:"element_id,omitempty"`
}
