// Package controlstore persists the control plane's entities (nodes,
// containers, container types, and resource quotas) in an embedded
// BoltDB, one bucket per entity with JSON-marshaled values.
package controlstore

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/microvmd/pkg/errkit"
	"github.com/cuemby/microvmd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketNodes          = []byte("nodes")
	bucketContainers     = []byte("containers")
	bucketContainerTypes = []byte("container_types")
	bucketQuotas         = []byte("quotas")
)

// Store is the BoltDB-backed control-plane state store.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "controlplane.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNodes,
			bucketContainers,
			bucketContainerTypes,
			bucketQuotas,
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

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) put(bucket []byte, key string, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *Store) get(bucket []byte, key string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return errkit.NotFound(fmt.Sprintf("%s %s", bucket, key))
		}
		return json.Unmarshal(data, v)
	})
}

func (s *Store) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// Node operations
func (s *Store) CreateNode(node *types.Node) error {
	return s.put(bucketNodes, node.ID, node)
}

func (s *Store) GetNode(id string) (*types.Node, error) {
	var node types.Node
	if err := s.get(bucketNodes, id, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *Store) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *Store) UpdateNode(node *types.Node) error {
	return s.CreateNode(node) // Same as create (upsert)
}

func (s *Store) DeleteNode(id string) error {
	return s.delete(bucketNodes, id)
}

// Container operations
func (s *Store) CreateContainer(container *types.Container) error {
	return s.put(bucketContainers, container.ID, container)
}

func (s *Store) GetContainer(id string) (*types.Container, error) {
	var container types.Container
	if err := s.get(bucketContainers, id, &container); err != nil {
		return nil, err
	}
	return &container, nil
}

func (s *Store) ListContainers() ([]*types.Container, error) {
	var containers []*types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(k, v []byte) error {
			var container types.Container
			if err := json.Unmarshal(v, &container); err != nil {
				return err
			}
			containers = append(containers, &container)
			return nil
		})
	})
	return containers, err
}

func (s *Store) ListContainersByUser(userID string) ([]*types.Container, error) {
	all, err := s.ListContainers()
	if err != nil {
		return nil, err
	}
	var out []*types.Container
	for _, c := range all {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) ListContainersByNode(nodeID string) ([]*types.Container, error) {
	all, err := s.ListContainers()
	if err != nil {
		return nil, err
	}
	var out []*types.Container
	for _, c := range all {
		if c.NodeID == nodeID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) UpdateContainer(container *types.Container) error {
	return s.CreateContainer(container)
}

func (s *Store) DeleteContainer(id string) error {
	return s.delete(bucketContainers, id)
}

// ContainerType operations (keyed by name; the name is the catalog id)
func (s *Store) CreateContainerType(ct *types.ContainerType) error {
	return s.put(bucketContainerTypes, ct.Name, ct)
}

func (s *Store) GetContainerType(name string) (*types.ContainerType, error) {
	var ct types.ContainerType
	if err := s.get(bucketContainerTypes, name, &ct); err != nil {
		return nil, err
	}
	return &ct, nil
}

func (s *Store) ListContainerTypes() ([]*types.ContainerType, error) {
	var cts []*types.ContainerType
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainerTypes).ForEach(func(k, v []byte) error {
			var ct types.ContainerType
			if err := json.Unmarshal(v, &ct); err != nil {
				return err
			}
			cts = append(cts, &ct)
			return nil
		})
	})
	return cts, err
}

func (s *Store) DeleteContainerType(name string) error {
	return s.delete(bucketContainerTypes, name)
}

// ResourceQuota operations (keyed by user id)
func (s *Store) SetQuota(q *types.ResourceQuota) error {
	return s.put(bucketQuotas, q.UserID, q)
}

func (s *Store) GetQuota(userID string) (*types.ResourceQuota, error) {
	var q types.ResourceQuota
	if err := s.get(bucketQuotas, userID, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *Store) DeleteQuota(userID string) error {
	return s.delete(bucketQuotas, userID)
}
