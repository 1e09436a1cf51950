package token

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"sync"

	"github.com/jinzhu/gorm"
	uuid "github.com/kthomas/go.uuid"
	"github.com/providenetwork/smt"
	"github.com/provideplatform/custody/common"
)

// NullifierStore records the leaf hash of every code a token has consumed in
// a sparse merkle tree; it forecloses replay of codes whose numeric value is
// not a faithful total order (e.g. leading zeros colliding on the same
// numeric image)
type NullifierStore struct {
	db    *gorm.DB
	hash  hash.Hash
	id    *uuid.UUID
	mutex *sync.Mutex
	tree  *smt.SparseMerkleTree
}

// InitNullifierStore loads the nullifier tree for the given token record id,
// initializing an empty tree when none has been persisted; the given db
// handle may be an open transaction, in which case inserts commit or roll
// back with the enclosing operation
func InitNullifierStore(db *gorm.DB, id uuid.UUID, h hash.Hash) (*NullifierStore, error) {
	tree, err := loadNullifierTree(db, id, h)
	if err != nil {
		common.Log.Warningf("failed to load nullifier store %s; %s", id, err.Error())
		return nil, err
	}

	if tree == nil {
		tree = smt.NewSparseMerkleTree(smt.NewSimpleMap(), smt.NewSimpleMap(), h)
	}

	return &NullifierStore{
		db:    db,
		hash:  h,
		id:    &id,
		mutex: &sync.Mutex{},
		tree:  tree,
	}, nil
}

func loadNullifierTree(db *gorm.DB, id uuid.UUID, h hash.Hash) (*smt.SparseMerkleTree, error) {
	var tree *smt.SparseMerkleTree

	rows, err := db.Raw("SELECT nodes, leaves, root FROM nullifiers WHERE store_id = ? ORDER BY id DESC LIMIT 1", id).Rows()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve nullifier tree from store: %s; %s", id, err.Error())
	}
	defer rows.Close()

	for rows.Next() {
		var nodesRaw json.RawMessage
		var leavesRaw json.RawMessage
		var root string

		err = rows.Scan(&nodesRaw, &leavesRaw, &root)
		if err != nil {
			return nil, fmt.Errorf("failed to scan the store for nullifier tree; %s", err.Error())
		}

		var nodes *smt.SimpleMap
		var leaves *smt.SimpleMap

		json.Unmarshal(nodesRaw, &nodes)
		json.Unmarshal(leavesRaw, &leaves)
		rootBytes, _ := hex.DecodeString(root)

		tree = smt.ImportSparseMerkleTree(
			nodes,
			leaves,
			h,
			rootBytes,
		)

		common.Log.Debugf("imported nullifier tree with root: %s", root)
	}

	return tree, nil
}

// commit the current state of the nullifier tree to the database
func (s *NullifierStore) commit() error {
	nodes, _ := json.Marshal(s.tree.Nodes())
	leaves, _ := json.Marshal(s.tree.Values())
	root := s.tree.Root()

	db := s.db.Exec("INSERT INTO nullifiers (store_id, nodes, leaves, root) VALUES (?, ?, ?, ?)", s.id, nodes, leaves, hex.EncodeToString(root))
	if db.RowsAffected == 0 {
		return fmt.Errorf("failed to persist nullifier tree: %s", s.id)
	}

	return nil
}

// Contains returns true if the given hex-encoded leaf hash has been recorded
func (s *NullifierStore) Contains(leafHash string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key, err := hex.DecodeString(leafHash)
	if err != nil {
		return false
	}

	val, err := s.tree.Get(key)
	if err != nil {
		common.Log.Warningf("failed to query nullifier store %s for leaf: %s; %s", s.id, leafHash, err.Error())
		return false
	}

	return len(val) > 0
}

// Insert records the given hex-encoded leaf hash and persists the tree
func (s *NullifierStore) Insert(leafHash string) (root []byte, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key, err := hex.DecodeString(leafHash)
	if err != nil {
		return nil, fmt.Errorf("failed to decode leaf hash for nullifier store %s; %s", s.id, err.Error())
	}

	root, err = s.tree.Update(key, key)
	if err != nil {
		return nil, err
	}

	err = s.commit()
	if err != nil {
		return nil, err
	}

	return root, nil
}

// Root returns the hex-encoded root of the nullifier tree
func (s *NullifierStore) Root() (*string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	root := hex.EncodeToString(s.tree.Root())
	if root == "" {
		return nil, fmt.Errorf("failed to resolve root of nullifier store: %s", s.id)
	}
	return &root, nil
}
