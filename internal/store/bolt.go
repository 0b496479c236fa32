package store

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var documentsBucket = []byte("documents")

// Bolt keeps documents in a single bbolt database file.
type Bolt struct {
	db *bolt.DB
}

func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) List(ctx context.Context) ([]string, error) {
	names := []string{}
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(documentsBucket).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return names, nil
}

func (b *Bolt) Load(ctx context.Context, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	var (
		text  string
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(documentsBucket).Get([]byte(name))
		if v != nil {
			// v is only valid inside the transaction.
			text, found = string(v), true
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("load %q: %w", name, err)
	}
	if !found {
		return "", fmt.Errorf("load %q: %w", name, ErrNotFound)
	}
	return text, nil
}

func (b *Bolt) Save(ctx context.Context, name, text string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(documentsBucket).Put([]byte(name), []byte(text))
	})
	if err != nil {
		return fmt.Errorf("save %q: %w", name, err)
	}
	return nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
