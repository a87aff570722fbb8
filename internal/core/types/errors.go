package types

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidPipeline      = errors.New("invalid pipeline definition")
	ErrPipelineDisabled     = errors.New("pipeline is disabled")
	ErrConfiguration        = errors.New("invalid connection configuration")
	ErrConnection           = errors.New("unable to connect to storage")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrExtraction           = errors.New("extraction failed")
	ErrEmbedding            = errors.New("embedding failed")
	ErrInsertion            = errors.New("insertion failed")
)

type Severity string

const (
	Fatal    Severity = "fatal"
	Isolated Severity = "isolated"
)

type ErrorKind string

const (
	DisabledError             ErrorKind = "disabled"
	ConfigurationError        ErrorKind = "configuration"
	ConnectionError           ErrorKind = "connection"
	UnsupportedOperationError ErrorKind = "unsupported_operation"
	ExtractionError           ErrorKind = "extraction"
	EmbeddingError            ErrorKind = "embedding"
	InsertionError            ErrorKind = "insertion"
)

var kindSentinels = map[ErrorKind]error{
	DisabledError:             ErrPipelineDisabled,
	ConfigurationError:        ErrConfiguration,
	ConnectionError:           ErrConnection,
	UnsupportedOperationError: ErrUnsupportedOperation,
	ExtractionError:           ErrExtraction,
	EmbeddingError:            ErrEmbedding,
	InsertionError:            ErrInsertion,
}

func (k ErrorKind) Severity() Severity {
	switch k {
	case EmbeddingError, InsertionError:
		return Isolated
	default:
		return Fatal
	}
}

// PipelineError is the task record view of a failure inside one pipeline
// invocation.
type PipelineError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s error (%d): %s", e.Kind, e.StatusCode, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return kindSentinels[e.Kind]
}

func (e *PipelineError) Severity() Severity {
	return e.Kind.Severity()
}

// NewPipelineError classifies err by the sentinel it wraps. Errors that do not
// wrap a known sentinel are reported under fallback.
func NewPipelineError(err error, fallback ErrorKind) *PipelineError {
	var perr *PipelineError
	if errors.As(err, &perr) {
		return perr
	}

	kind := fallback
	for k, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			kind = k
			break
		}
	}

	return &PipelineError{Kind: kind, StatusCode: defaultStatusCode(kind), Message: err.Error()}
}

func defaultStatusCode(kind ErrorKind) int {
	switch kind {
	case DisabledError:
		return http.StatusConflict
	case ConfigurationError, UnsupportedOperationError:
		return http.StatusBadRequest
	case ConnectionError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
