package state

import (
	"testing"

	"github.com/certenlabs/ledgervalidator/pkg/kvstore"
	"github.com/certenlabs/ledgervalidator/pkg/ledgertypes"
)

func addr(suffix byte) string {
	base := make([]byte, ledgertypes.AddressLength)
	for i := range base {
		base[i] = '0'
	}
	base[len(base)-1] = suffix
	return string(base)
}

func TestReadEmptyRoot(t *testing.T) {
	s := New(kvstore.OpenMemory())
	_, ok, err := s.Read(EmptyRoot, addr('1'))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no value at empty root")
	}
}

func TestCommitThenRead(t *testing.T) {
	s := New(kvstore.OpenMemory())
	root, err := s.Commit(EmptyRoot, []ledgertypes.AddressChange{
		{Address: addr('1'), Value: []byte("one")},
		{Address: addr('2'), Value: []byte("two")},
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	v, ok, err := s.Read(root, addr('1'))
	if err != nil || !ok {
		t.Fatalf("Read addr1: ok=%v err=%v", ok, err)
	}
	if string(v) != "one" {
		t.Fatalf("got %q, want one", v)
	}
	v2, ok, err := s.Read(root, addr('2'))
	if err != nil || !ok || string(v2) != "two" {
		t.Fatalf("Read addr2: v=%q ok=%v err=%v", v2, ok, err)
	}
	_, ok, err = s.Read(root, addr('3'))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected addr3 absent")
	}
}

func TestPriorRootSurvivesLaterCommit(t *testing.T) {
	s := New(kvstore.OpenMemory())
	root1, err := s.Commit(EmptyRoot, []ledgertypes.AddressChange{
		{Address: addr('1'), Value: []byte("one")},
	})
	if err != nil {
		t.Fatal(err)
	}
	root2, err := s.Commit(root1, []ledgertypes.AddressChange{
		{Address: addr('1'), Value: []byte("one-updated")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if root1 == root2 {
		t.Fatal("expected distinct roots after mutating commit")
	}
	v1, ok, err := s.Read(root1, addr('1'))
	if err != nil || !ok || string(v1) != "one" {
		t.Fatalf("root1 read regressed: v=%q ok=%v err=%v", v1, ok, err)
	}
	v2, ok, err := s.Read(root2, addr('1'))
	if err != nil || !ok || string(v2) != "one-updated" {
		t.Fatalf("root2 read wrong: v=%q ok=%v err=%v", v2, ok, err)
	}
}

func TestDeleteRemovesValue(t *testing.T) {
	s := New(kvstore.OpenMemory())
	root1, err := s.Commit(EmptyRoot, []ledgertypes.AddressChange{
		{Address: addr('1'), Value: []byte("one")},
	})
	if err != nil {
		t.Fatal(err)
	}
	root2, err := s.Commit(root1, []ledgertypes.AddressChange{
		{Address: addr('1'), Value: nil},
	})
	if err != nil {
		t.Fatal(err)
	}
	_, ok, err := s.Read(root2, addr('1'))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected value deleted at root2")
	}
	if root2 != EmptyRoot {
		t.Fatalf("expected deleting the only key to yield the empty root, got %s", root2)
	}
}

func TestPruneReclaimsUnsharedNodesButKeepsSharedOnes(t *testing.T) {
	s := New(kvstore.OpenMemory())
	root1, err := s.Commit(EmptyRoot, []ledgertypes.AddressChange{
		{Address: addr('1'), Value: []byte("one")},
		{Address: addr('2'), Value: []byte("two")},
	})
	if err != nil {
		t.Fatal(err)
	}
	root2, err := s.Commit(root1, []ledgertypes.AddressChange{
		{Address: addr('1'), Value: []byte("one-updated")},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Prune(root1); err != nil {
		t.Fatalf("Prune(root1): %v", err)
	}

	// root2 shares the addr('2') subtree with root1; it must still read fine
	// after root1 is pruned away.
	v2, ok, err := s.Read(root2, addr('2'))
	if err != nil || !ok || string(v2) != "two" {
		t.Fatalf("root2 addr2 after prune: v=%q ok=%v err=%v", v2, ok, err)
	}
	v1, ok, err := s.Read(root2, addr('1'))
	if err != nil || !ok || string(v1) != "one-updated" {
		t.Fatalf("root2 addr1 after prune: v=%q ok=%v err=%v", v1, ok, err)
	}
}

func TestReadManyReturnsOnlyPresentAddresses(t *testing.T) {
	s := New(kvstore.OpenMemory())
	root, err := s.Commit(EmptyRoot, []ledgertypes.AddressChange{
		{Address: addr('1'), Value: []byte("one")},
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.ReadMany(root, []string{addr('1'), addr('2')})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || string(got[addr('1')]) != "one" {
		t.Fatalf("ReadMany = %v", got)
	}
}

func TestCommitRejectsMalformedAddress(t *testing.T) {
	s := New(kvstore.OpenMemory())
	_, err := s.Commit(EmptyRoot, []ledgertypes.AddressChange{
		{Address: "not-an-address", Value: []byte("x")},
	})
	if err == nil {
		t.Fatal("expected error for malformed address")
	}
}
