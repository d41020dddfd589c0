// Package storage provides a persistent document store abstraction for user
// memory records. Documents are opaque JSON values addressed by namespace and key.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Storage defines the interface for persistent document operations.
// Writes are last-write-wins per (namespace, key).
type Storage interface {
	// Get returns the raw document or a *NotFoundError.
	Get(ctx context.Context, namespace, key string) ([]byte, error)

	// Put creates or replaces the document.
	Put(ctx context.Context, namespace, key string, value []byte) error

	// Delete removes the document. Deleting a missing key is not an error.
	Delete(ctx context.Context, namespace, key string) error

	// List returns the keys in namespace that start with prefix, sorted.
	List(ctx context.Context, namespace, prefix string) ([]string, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// NotFoundError indicates that the requested document was not found.
type NotFoundError struct {
	Namespace string
	Key       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Namespace, e.Key)
}

// StorageUnavailableError indicates that the storage backend is unavailable.
type StorageUnavailableError struct {
	Cause error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable: %v", e.Cause)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Cause }

// SerializationError indicates a failure in data serialization/deserialization.
type SerializationError struct {
	Operation string
	Cause     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error during %s: %v", e.Operation, e.Cause)
}

func (e *SerializationError) Unwrap() error { return e.Cause }

// IsNotFound reports whether err is a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsSerialization reports whether err is a *SerializationError.
func IsSerialization(err error) bool {
	var se *SerializationError
	return errors.As(err, &se)
}

// Serialize encodes v as JSON.
func Serialize(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &SerializationError{
			Operation: "marshal",
			Cause:     err,
		}
	}
	return data, nil
}

// Deserialize decodes JSON data into v.
func Deserialize(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &SerializationError{
			Operation: "unmarshal",
			Cause:     err,
		}
	}
	return nil
}

// GetJSON loads a document and decodes it into v.
func GetJSON(ctx context.Context, s Storage, namespace, key string, v interface{}) error {
	data, err := s.Get(ctx, namespace, key)
	if err != nil {
		return err
	}
	return Deserialize(data, v)
}

// PutJSON encodes v and stores it.
func PutJSON(ctx context.Context, s Storage, namespace, key string, v interface{}) error {
	data, err := Serialize(v)
	if err != nil {
		return err
	}
	return s.Put(ctx, namespace, key, data)
}

// ValidateAddress rejects empty namespaces and keys. Namespaces may not
// contain ':' because backends use it as the key separator.
func ValidateAddress(namespace, key string) error {
	if namespace == "" {
		return errors.New("storage: namespace is required")
	}
	if strings.Contains(namespace, ":") {
		return fmt.Errorf("storage: invalid namespace %q", namespace)
	}
	if key == "" {
		return errors.New("storage: key is required")
	}
	return nil
}
