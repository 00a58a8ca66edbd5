package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// BadgerConfig holds configuration for an embedded BadgerDB tree.
type BadgerConfig struct {
	// Path is the directory for database files. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Useful for testing.
	InMemory bool

	SyncWrites bool

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger logrus.FieldLogger
}

// BadgerStore keeps one key per leaf in an embedded BadgerDB. Every mutation
// runs in a single read-write transaction.
type BadgerStore struct {
	db *badger.DB
}

func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("badger: create directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(cfg.Logger)
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Read(ctx context.Context, path string) (json.RawMessage, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	leaves := make(map[string]json.RawMessage)
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(path))
		switch {
		case err == nil:
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			leaves[path] = v
			return nil
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(path + "/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			leaves[string(it.Item().KeyCopy(nil))] = v
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: read %s: %w", path, err)
	}
	return expand(path, leaves)
}

func (b *BadgerStore) Write(ctx context.Context, path string, doc any) error {
	m, err := planWrite(path, doc)
	if err != nil {
		return err
	}
	return b.apply(m)
}

func (b *BadgerStore) Update(ctx context.Context, path string, fields map[string]any) error {
	m, err := planUpdate(path, fields)
	if err != nil {
		return err
	}
	return b.apply(m)
}

func (b *BadgerStore) Delete(ctx context.Context, path string) error {
	m, err := planDelete(path)
	if err != nil {
		return err
	}
	return b.apply(m)
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func (b *BadgerStore) apply(m mutation) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, root := range m.clear {
			drop := [][]byte{[]byte(root)}
			for _, a := range ancestors(root) {
				drop = append(drop, []byte(a))
			}

			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			prefix := []byte(root + "/")
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				drop = append(drop, it.Item().KeyCopy(nil))
			}
			it.Close()

			for _, k := range drop {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
		}
		for p, v := range m.set {
			if err := txn.Set([]byte(p), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger: apply mutation: %w", err)
	}
	return nil
}
