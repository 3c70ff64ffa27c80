package storage_test

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/askcoin/askcoin/foundation/blockchain/database"
	"github.com/askcoin/askcoin/foundation/blockchain/signature"
	"github.com/askcoin/askcoin/foundation/blockchain/storage"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

// =============================================================================

func makeDoc(t *testing.T, id uint64, preHash string) database.BlockDoc {
	data := database.BlockData{
		ID:       id,
		UTC:      1000 + id*20,
		Version:  1,
		ZeroBits: 1,
		PreHash:  preHash,
		Miner:    "",
		TxIDs:    []string{},
	}

	raw, err := data.Marshal()
	if err != nil {
		t.Fatalf("\t%s\tShould be able to marshal block data: %v", failed, err)
	}

	return database.BlockDoc{
		Hash:     signature.Hash(raw),
		Data:     raw,
		Tx:       []json.RawMessage{},
		Children: []string{},
	}
}

func Test_WriteReadChain(t *testing.T) {
	t.Log("Given the need to persist a chain of blocks atomically.")
	{
		strg, err := storage.New(filepath.Join(t.TempDir(), "blocks.db"))
		if err != nil {
			t.Fatalf("\t%s\tShould be able to open storage: %v", failed, err)
		}
		defer strg.Close()

		if _, exists, err := strg.Tip(); err != nil || exists {
			t.Fatalf("\t%s\tShould report no tip before genesis.", failed)
		}
		t.Logf("\t%s\tShould report no tip before genesis.", success)

		gen := makeDoc(t, 0, signature.ZeroHash)
		if err := strg.WriteGenesis(gen); err != nil {
			t.Fatalf("\t%s\tShould be able to write genesis: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to write genesis.", success)

		blk1 := makeDoc(t, 1, gen.Hash)
		if err := strg.WriteBlock(blk1, gen.Hash); err != nil {
			t.Fatalf("\t%s\tShould be able to write block 1: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to write block 1.", success)

		tip, exists, err := strg.Tip()
		if err != nil || !exists || tip != blk1.Hash {
			t.Fatalf("\t%s\tShould move the tip to block 1.", failed)
		}
		t.Logf("\t%s\tShould move the tip to block 1.", success)

		genBack, err := strg.GetBlockDoc(gen.Hash)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to re-read genesis: %v", failed, err)
		}
		if len(genBack.Children) != 1 || genBack.Children[0] != blk1.Hash {
			t.Errorf("\t%s\tShould append block 1 to the genesis children list.", failed)
		} else {
			t.Logf("\t%s\tShould append block 1 to the genesis children list.", success)
		}

		// A second child of the same parent extends the children list.
		blk1b := makeDoc(t, 1, gen.Hash)
		blk1b.Data = append([]byte{}, blk1b.Data...)
		// Vary the nonce so the fork block has a distinct hash.
		var data database.BlockData
		json.Unmarshal(blk1b.Data, &data)
		data.Nonce[0] = 7
		raw, _ := data.Marshal()
		blk1b.Data = raw
		blk1b.Hash = signature.Hash(raw)

		if err := strg.WriteBlock(blk1b, gen.Hash); err != nil {
			t.Fatalf("\t%s\tShould be able to write a fork child: %v", failed, err)
		}

		genBack, _ = strg.GetBlockDoc(gen.Hash)
		if len(genBack.Children) != 2 {
			t.Errorf("\t%s\tShould hold both children, got %d.", failed, len(genBack.Children))
		} else {
			t.Logf("\t%s\tShould hold both children.", success)
		}
	}
}

func Test_CorruptionIsIntegrityFault(t *testing.T) {
	t.Log("Given a document that doesn't re-hash to its key.")
	{
		strg, err := storage.New(filepath.Join(t.TempDir(), "blocks.db"))
		if err != nil {
			t.Fatalf("\t%s\tShould be able to open storage: %v", failed, err)
		}
		defer strg.Close()

		doc := makeDoc(t, 0, signature.ZeroHash)
		good := doc.Hash
		doc.Hash = signature.Hash([]byte("some other key"))

		if err := strg.WriteGenesis(doc); err != nil {
			t.Fatalf("\t%s\tShould be able to write the bad doc: %v", failed, err)
		}

		if _, err := strg.GetBlockDoc(doc.Hash); !errors.Is(err, storage.ErrIntegrity) {
			t.Fatalf("\t%s\tShould surface an integrity fault, got %v.", failed, err)
		}
		t.Logf("\t%s\tShould surface an integrity fault.", success)

		if _, err := strg.GetBlockDoc(good); err == nil {
			t.Errorf("\t%s\tShould not find the doc under its honest hash.", failed)
		} else {
			t.Logf("\t%s\tShould not find the doc under its honest hash.", success)
		}
	}
}
