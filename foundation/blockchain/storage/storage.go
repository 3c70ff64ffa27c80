// Package storage persists the block DAG in a leveldb key-value store. Each
// block is a JSON document keyed by its base64 hash; committing a block
// writes the block and its parent's updated children list in one atomic
// batch, so a block is never durable without being reachable.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/askcoin/askcoin/foundation/blockchain/database"
	"github.com/askcoin/askcoin/foundation/blockchain/signature"
	"github.com/syndtr/goleveldb/leveldb"
)

// tipKey holds the hash of the current tip. It can never collide with a
// block key, which is always 44 bytes.
const tipKey = "tip"

// ErrIntegrity marks conditions that indicate disk corruption or a logic
// bug: stored data that doesn't re-hash to its key, or a failed batch write.
// The process must not continue past one of these.
var ErrIntegrity = errors.New("storage integrity fault")

// =============================================================================

// Storage provides access to the persisted block DAG.
type Storage struct {
	db *leveldb.DB
}

// New opens or creates the store at the specified path.
func New(dbPath string) (*Storage, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close releases the underlying store.
func (s *Storage) Close() error {
	return s.db.Close()
}

// =============================================================================

// GetBlockDoc reads and re-validates the stored document for the hash. Data
// that doesn't re-hash to its key is an integrity fault.
func (s *Storage) GetBlockDoc(hash string) (database.BlockDoc, error) {
	raw, err := s.db.Get([]byte(hash), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return database.BlockDoc{}, err
		}
		return database.BlockDoc{}, fmt.Errorf("%w: read %s: %s", ErrIntegrity, hash, err)
	}

	var doc database.BlockDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return database.BlockDoc{}, fmt.Errorf("%w: parse %s: %s", ErrIntegrity, hash, err)
	}

	if doc.Hash != hash {
		return database.BlockDoc{}, fmt.Errorf("%w: key %s holds doc for %s", ErrIntegrity, hash, doc.Hash)
	}

	if verify := signature.Hash(doc.Data); verify != hash {
		return database.BlockDoc{}, fmt.Errorf("%w: doc %s re-hashes to %s", ErrIntegrity, hash, verify)
	}

	return doc, nil
}

// HasBlock reports whether a document exists for the hash.
func (s *Storage) HasBlock(hash string) (bool, error) {
	ok, err := s.db.Has([]byte(hash), nil)
	if err != nil {
		return false, fmt.Errorf("%w: has %s: %s", ErrIntegrity, hash, err)
	}
	return ok, nil
}

// WriteBlock persists a new block and appends its hash to the parent's
// children list in a single atomic batch. The tip pointer moves with it.
func (s *Storage) WriteBlock(doc database.BlockDoc, parentHash string) error {
	parent, err := s.GetBlockDoc(parentHash)
	if err != nil {
		return fmt.Errorf("%w: parent %s missing: %s", ErrIntegrity, parentHash, err)
	}

	child := false
	for _, hash := range parent.Children {
		if hash == doc.Hash {
			child = true
			break
		}
	}
	if !child {
		parent.Children = append(parent.Children, doc.Hash)
	}

	batch := new(leveldb.Batch)

	if err := putDoc(batch, doc); err != nil {
		return err
	}
	if err := putDoc(batch, parent); err != nil {
		return err
	}
	batch.Put([]byte(tipKey), []byte(doc.Hash))

	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("%w: batch write %s: %s", ErrIntegrity, doc.Hash, err)
	}

	return nil
}

// WriteGenesis persists the genesis document at first boot.
func (s *Storage) WriteGenesis(doc database.BlockDoc) error {
	batch := new(leveldb.Batch)

	if err := putDoc(batch, doc); err != nil {
		return err
	}
	batch.Put([]byte(tipKey), []byte(doc.Hash))

	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("%w: genesis write: %s", ErrIntegrity, err)
	}

	return nil
}

// SetTip moves the tip pointer without touching any block, used when a
// reorganization rolls the chain back.
func (s *Storage) SetTip(hash string) error {
	if err := s.db.Put([]byte(tipKey), []byte(hash), nil); err != nil {
		return fmt.Errorf("%w: set tip: %s", ErrIntegrity, err)
	}
	return nil
}

// Tip returns the hash of the persisted tip. It reports false before the
// genesis block is written.
func (s *Storage) Tip() (string, bool, error) {
	raw, err := s.db.Get([]byte(tipKey), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: read tip: %s", ErrIntegrity, err)
	}

	return string(raw), true, nil
}

// =============================================================================

func putDoc(batch *leveldb.Batch, doc database.BlockDoc) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %s", ErrIntegrity, doc.Hash, err)
	}

	batch.Put([]byte(doc.Hash), raw)
	return nil
}
