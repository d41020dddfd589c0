// Package badger provides a Badger-based implementation of the storage interface.
package badger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/contextd/contextd/pkg/storage"
	"github.com/dgraph-io/badger/v4"
)

// Config holds configuration for BadgerStorage.
type Config struct {
	Path              string
	SyncWrites        bool
	ValueLogFileSize  int64
	NumVersionsToKeep int
	InMemory          bool
}

// BadgerStorage implements the Storage interface using Badger.
type BadgerStorage struct {
	db     *badger.DB
	config *Config
}

// NewBadgerStorage creates a new Badger storage instance.
func NewBadgerStorage(config *Config) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = config.SyncWrites
	if config.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = config.ValueLogFileSize
	}
	if config.NumVersionsToKeep > 0 {
		opts.NumVersionsToKeep = config.NumVersionsToKeep
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	return &BadgerStorage{
		db:     db,
		config: config,
	}, nil
}

// Key layout: doc:{namespace}:{key}
func docPrefix(namespace string) []byte {
	return []byte(fmt.Sprintf("doc:%s:", namespace))
}

func docKey(namespace, key string) []byte {
	return append(docPrefix(namespace), key...)
}

// Get retrieves a document.
func (b *BadgerStorage) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var out []byte

	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(namespace, key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &storage.NotFoundError{Namespace: namespace, Key: key}
			}
			return &storage.StorageUnavailableError{Cause: err}
		}

		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Put stores a document.
func (b *BadgerStorage) Put(ctx context.Context, namespace, key string, value []byte) error {
	if err := storage.ValidateAddress(namespace, key); err != nil {
		return err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(docKey(namespace, key), value)
	})
	if err != nil {
		return &storage.StorageUnavailableError{Cause: err}
	}
	return nil
}

// Delete removes a document.
func (b *BadgerStorage) Delete(ctx context.Context, namespace, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(docKey(namespace, key))
	})
	if err != nil {
		return &storage.StorageUnavailableError{Cause: err}
	}
	return nil
}

// List returns keys with the given prefix. Badger iterates in byte order so
// the result is already sorted.
func (b *BadgerStorage) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	nsPrefix := docPrefix(namespace)
	keys := []string{}

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = append(append([]byte{}, nsPrefix...), prefix...)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, strings.TrimPrefix(string(it.Item().Key()), string(nsPrefix)))
		}
		return nil
	})
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	return keys, nil
}

// Ping reports whether the database is open.
func (b *BadgerStorage) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return &storage.StorageUnavailableError{Cause: errors.New("badger: database closed")}
	}
	return nil
}

// Close closes the Badger database.
func (b *BadgerStorage) Close() error {
	if b.db.IsClosed() {
		return nil
	}
	if !b.config.InMemory {
		// Value log GC is best effort; ErrNoRewrite just means nothing to collect.
		_ = b.db.RunValueLogGC(0.5)
	}
	return b.db.Close()
}
