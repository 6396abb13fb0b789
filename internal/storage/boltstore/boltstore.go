// boltstore.go - bbolt-backed reference implementation of ports.Storage.
// SPDX-License-Identifier: AGPL-3.0-only

// Package boltstore supplies a reference, single-file persistence layer
// for the ports.Storage contract (spec.md §6): per-client mailboxes,
// shared keys, and bandwidth accounting. The real production backend is
// out of scope (spec.md §1 names SQLite/file layout as a Non-goal); this
// exists so the node and its tests have a working implementation to run
// against, following the bucket-per-concern layout of the teacher's
// userdb/boltuserdb.
package boltstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/nymproject/mixcore/internal/ports"
)

var (
	mailboxBucket   = []byte("mailbox")
	sharedKeyBucket = []byte("sharedkeys")
	bandwidthBucket = []byte("bandwidth")
)

// Store implements ports.Storage over a single bbolt file.
type Store struct {
	db *bolt.DB
}

var _ ports.Storage = (*Store)(nil)

// Open creates or loads the database at path, ensuring every top-level
// bucket this store needs exists, mirroring boltuserdb.New's
// create-buckets-on-open pattern.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{mailboxBucket, sharedKeyBucket, bandwidthBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// StoreMessage appends bytes to clientAddr's mailbox, keyed by an
// auto-incrementing sequence number so RetrieveMessages can page through
// them in arrival order via a byte-ordered cursor.
func (s *Store) StoreMessage(_ context.Context, clientAddr string, bytes []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := clientMailbox(tx, clientAddr)
		if err != nil {
			return err
		}
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		return bkt.Put(seqKey(seq), bytes)
	})
}

// RetrieveMessages returns up to a page of messages whose sequence keys
// are strictly greater than cursor (nil or empty cursor starts from the
// beginning), plus the cursor to resume from on the next call.
func (s *Store) RetrieveMessages(_ context.Context, clientAddr string, cursor []byte) ([][]byte, []byte, error) {
	const pageSize = 100

	var messages [][]byte
	var next []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(mailboxBucket).Bucket([]byte(clientAddr))
		if bkt == nil {
			return nil
		}
		c := bkt.Cursor()
		var k, v []byte
		if len(cursor) == 0 {
			k, v = c.First()
		} else {
			c.Seek(cursor)
			k, v = c.Next()
		}
		for ; k != nil && len(messages) < pageSize; k, v = c.Next() {
			messages = append(messages, append([]byte(nil), v...))
			next = append([]byte(nil), k...)
		}
		return nil
	})
	return messages, next, err
}

// RemoveMessages deletes the given message keys from clientAddr's mailbox.
func (s *Store) RemoveMessages(_ context.Context, clientAddr string, ids [][]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(mailboxBucket).Bucket([]byte(clientAddr))
		if bkt == nil {
			return nil
		}
		for _, id := range ids {
			if err := bkt.Delete(id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) StoreSharedKey(_ context.Context, clientAddr string, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sharedKeyBucket).Put([]byte(clientAddr), key)
	})
}

func (s *Store) LoadSharedKey(_ context.Context, clientAddr string) ([]byte, error) {
	var key []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sharedKeyBucket).Get([]byte(clientAddr))
		if v == nil {
			return errNoSharedKey
		}
		key = append([]byte(nil), v...)
		return nil
	})
	return key, err
}

var errNoSharedKey = errors.New("boltstore: no shared key for client")

func (s *Store) IncreaseBandwidth(ctx context.Context, clientAddr string, delta int64) (int64, error) {
	return s.adjustBandwidth(clientAddr, delta)
}

func (s *Store) DecreaseBandwidth(ctx context.Context, clientAddr string, delta int64) (int64, error) {
	return s.adjustBandwidth(clientAddr, -delta)
}

// adjustBandwidth runs inside a single bbolt write transaction so
// concurrent increase/decrease calls for the same client serialise
// correctly (spec.md §5 "decrease/increase-bandwidth operations are
// transactional").
func (s *Store) adjustBandwidth(clientAddr string, delta int64) (int64, error) {
	var newBalance int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bandwidthBucket)
		key := []byte(clientAddr)
		var balance int64
		if v := bkt.Get(key); v != nil {
			balance = int64(binary.BigEndian.Uint64(v))
		}
		balance += delta
		if balance < 0 {
			return fmt.Errorf("boltstore: bandwidth balance for %s would go negative", clientAddr)
		}
		newBalance = balance
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(balance))
		return bkt.Put(key, buf[:])
	})
	return newBalance, err
}

func (s *Store) RevokeTicketBandwidth(_ context.Context, clientAddr string, ticketID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte("revoked-tickets"))
		if err != nil {
			return err
		}
		return bkt.Put([]byte(clientAddr+"/"+ticketID), []byte{1})
	})
}

func clientMailbox(tx *bolt.Tx, clientAddr string) (*bolt.Bucket, error) {
	return tx.Bucket(mailboxBucket).CreateBucketIfNotExists([]byte(clientAddr))
}

func seqKey(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return buf[:]
}
