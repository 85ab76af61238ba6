package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/ventisec/ventiscan/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketPrincipals = []byte("principals")
	bucketScans      = []byte("scans")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "ventiscan.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketPrincipals,
			bucketScans,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Principal operations
func (s *BoltStore) CreatePrincipal(p *types.Principal) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrincipals)
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.ID), data)
	})
}

func (s *BoltStore) GetPrincipal(id string) (*types.Principal, error) {
	var p types.Principal
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrincipals)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("principal %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) GetPrincipalByLogin(login string) (*types.Principal, error) {
	var found *types.Principal
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrincipals)
		return b.ForEach(func(k, v []byte) error {
			var p types.Principal
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Login == login {
				found = &p
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("principal %s: %w", login, types.ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListPrincipals() ([]*types.Principal, error) {
	var principals []*types.Principal
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrincipals)
		return b.ForEach(func(k, v []byte) error {
			var p types.Principal
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			principals = append(principals, &p)
			return nil
		})
	})
	return principals, err
}

func (s *BoltStore) UpdatePrincipal(p *types.Principal) error {
	return s.CreatePrincipal(p) // Same as create (upsert)
}

func (s *BoltStore) DeletePrincipal(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrincipals)
		return b.Delete([]byte(id))
	})
}

// Scan operations
func (s *BoltStore) CreateScan(scan *types.Scan) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScans)
		data, err := json.Marshal(scan)
		if err != nil {
			return err
		}
		return b.Put([]byte(scan.ID), data)
	})
}

func (s *BoltStore) GetScan(id string) (*types.Scan, error) {
	var scan types.Scan
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScans)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("scan %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &scan)
	})
	if err != nil {
		return nil, err
	}
	return &scan, nil
}

func (s *BoltStore) ListScans() ([]*types.Scan, error) {
	var scans []*types.Scan
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScans)
		return b.ForEach(func(k, v []byte) error {
			var scan types.Scan
			if err := json.Unmarshal(v, &scan); err != nil {
				return err
			}
			scans = append(scans, &scan)
			return nil
		})
	})
	return scans, err
}

func (s *BoltStore) ListScansByOwner(owner string) ([]*types.Scan, error) {
	scans, err := s.ListScans()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Scan
	for _, scan := range scans {
		if scan.Owner == owner {
			filtered = append(filtered, scan)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateScan(scan *types.Scan) error {
	return s.CreateScan(scan)
}

func (s *BoltStore) DeleteScan(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScans)
		return b.Delete([]byte(id))
	})
}
