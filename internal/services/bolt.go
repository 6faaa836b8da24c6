package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/MegaGrindStone/med-research-ui/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the transcript Store using a BoltDB backend. Messages are kept in their transcript
// order under big-endian sequence keys, and a second bucket maps message IDs to those keys so the
// message being streamed into can be updated in place.
type BoltDB struct {
	db *bolt.DB
}

var (
	messagesBucket = []byte("messages")
	indexBucket    = []byte("message-index")
)

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(messagesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(indexBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create buckets: %w", err)
	}

	return BoltDB{db: db}, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// Messages retrieves the stored transcript in its original order.
func (b BoltDB) Messages(context.Context) ([]models.ChatMessage, error) {
	var messages []models.ChatMessage
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(messagesBucket)
		if bk == nil {
			return nil
		}

		return bk.ForEach(func(_, v []byte) error {
			var msg models.ChatMessage
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, msg)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// AddMessage appends a message to the end of the stored transcript.
func (b BoltDB) AddMessage(_ context.Context, message models.ChatMessage) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return putMessage(tx, message)
	})
}

// UpdateMessage replaces the stored content of an existing message. If the message doesn't exist, the
// operation is silently ignored.
func (b BoltDB) UpdateMessage(_ context.Context, message models.ChatMessage) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		key := tx.Bucket(indexBucket).Get([]byte(message.ID))
		if key == nil {
			return nil
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return tx.Bucket(messagesBucket).Put(key, v)
	})
}

// ReplaceMessages drops the stored transcript and stores messages in its place, in a single
// transaction.
func (b BoltDB) ReplaceMessages(_ context.Context, messages []models.ChatMessage) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{messagesBucket, indexBucket} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return fmt.Errorf("failed to delete bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}

		for _, msg := range messages {
			if err := putMessage(tx, msg); err != nil {
				return err
			}
		}
		return nil
	})
}

func putMessage(tx *bolt.Tx, message models.ChatMessage) error {
	bk := tx.Bucket(messagesBucket)

	seq, err := bk.NextSequence()
	if err != nil {
		return fmt.Errorf("failed to get next sequence: %w", err)
	}
	key := itob(seq)

	v, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := bk.Put(key, v); err != nil {
		return err
	}
	return tx.Bucket(indexBucket).Put([]byte(message.ID), key)
}
