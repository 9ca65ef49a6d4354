package collab

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

// local cache of the last synced snapshot per document. used to seed the
// editor before a session connects, and to keep an editable buffer around
// while offline. purely a cache: the server stays authoritative and the
// session replaces this state on every (re)join.

var snapshotsBucket = []byte("snapshots")

type DocumentSnapshot struct {
	DocumentId Id        `json:"document_id"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Version    int       `json:"version"`
	UpdateTime time.Time `json:"update_time"`
}

type SnapshotStore struct {
	db *bolt.DB
}

func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SnapshotStore{
		db: db,
	}, nil
}

func (self *SnapshotStore) Put(snapshot *DocumentSnapshot) error {
	snapshotBytes, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Put(snapshot.DocumentId.Bytes(), snapshotBytes)
	})
}

// returns nil when no snapshot is stored for the document
func (self *SnapshotStore) Get(documentId Id) (*DocumentSnapshot, error) {
	var snapshot *DocumentSnapshot
	err := self.db.View(func(tx *bolt.Tx) error {
		snapshotBytes := tx.Bucket(snapshotsBucket).Get(documentId.Bytes())
		if snapshotBytes == nil {
			return nil
		}
		snapshot = &DocumentSnapshot{}
		return json.Unmarshal(snapshotBytes, snapshot)
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (self *SnapshotStore) Remove(documentId Id) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Delete(documentId.Bytes())
	})
}

func (self *SnapshotStore) List() ([]*DocumentSnapshot, error) {
	snapshots := []*DocumentSnapshot{}
	err := self.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).ForEach(func(k []byte, v []byte) error {
			snapshot := &DocumentSnapshot{}
			if err := json.Unmarshal(v, snapshot); err != nil {
				return err
			}
			snapshots = append(snapshots, snapshot)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return snapshots, nil
}

func (self *SnapshotStore) Close() error {
	return self.db.Close()
}
