package main

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/certenlabs/ledgervalidator/pkg/blockmgr"
	"github.com/certenlabs/ledgervalidator/pkg/blockstore"
	"github.com/certenlabs/ledgervalidator/pkg/cryptoutil"
	"github.com/certenlabs/ledgervalidator/pkg/kvstore"
	"github.com/certenlabs/ledgervalidator/pkg/ledgertypes"
	"github.com/certenlabs/ledgervalidator/pkg/state"
)

func TestLoadOrGenerateSigningKeyCreatesThenReloads(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "keys", "validator.hex")

	generated, err := loadOrGenerateSigningKey(keyPath)
	if err != nil {
		t.Fatalf("loadOrGenerateSigningKey (generate): %v", err)
	}
	if _, err := os.Stat(keyPath); err != nil {
		t.Fatalf("expected key file to exist: %v", err)
	}

	reloaded, err := loadOrGenerateSigningKey(keyPath)
	if err != nil {
		t.Fatalf("loadOrGenerateSigningKey (reload): %v", err)
	}
	if hex.EncodeToString(generated.Bytes()) != hex.EncodeToString(reloaded.Bytes()) {
		t.Fatal("reloaded key does not match the generated key")
	}
}

func TestLoadOrGenerateSigningKeyRejectsEmptyPath(t *testing.T) {
	if _, err := loadOrGenerateSigningKey(""); err == nil {
		t.Fatal("expected an error for an empty key path")
	}
}

func TestBootstrapGenesisIsIdempotent(t *testing.T) {
	db := kvstore.OpenMemory()
	store := blockstore.New(db)
	blockMgr := blockmgr.New(store)

	signer, err := cryptoutil.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	headA, err := bootstrapGenesis(store, blockMgr, signer)
	if err != nil {
		t.Fatalf("bootstrapGenesis (first): %v", err)
	}
	if headA == "" {
		t.Fatal("expected a non-empty genesis block id")
	}

	block, err := blockMgr.Get(headA)
	if err != nil {
		t.Fatalf("Get genesis block: %v", err)
	}
	if block.Header.BlockNum != 0 {
		t.Errorf("BlockNum = %d, want 0", block.Header.BlockNum)
	}
	if block.Header.PreviousBlockID != ledgertypes.GenesisPreviousID {
		t.Errorf("PreviousBlockID = %q, want %q", block.Header.PreviousBlockID, ledgertypes.GenesisPreviousID)
	}
	if block.Header.StateRootHash != state.EmptyRoot {
		t.Errorf("StateRootHash = %q, want %q", block.Header.StateRootHash, state.EmptyRoot)
	}

	headB, err := bootstrapGenesis(store, blockMgr, signer)
	if err != nil {
		t.Fatalf("bootstrapGenesis (second): %v", err)
	}
	if headA != headB {
		t.Fatalf("bootstrapGenesis is not idempotent: %s != %s", headA, headB)
	}
}
