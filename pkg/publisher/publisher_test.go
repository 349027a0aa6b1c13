package publisher

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/certenlabs/ledgervalidator/pkg/blockmgr"
	"github.com/certenlabs/ledgervalidator/pkg/blockstore"
	"github.com/certenlabs/ledgervalidator/pkg/consensus/devmode"
	"github.com/certenlabs/ledgervalidator/pkg/cryptoutil"
	"github.com/certenlabs/ledgervalidator/pkg/execution"
	"github.com/certenlabs/ledgervalidator/pkg/kvstore"
	"github.com/certenlabs/ledgervalidator/pkg/ledgertypes"
	"github.com/certenlabs/ledgervalidator/pkg/procregistry"
	"github.com/certenlabs/ledgervalidator/pkg/state"
	"github.com/certenlabs/ledgervalidator/pkg/wire"
)

type fakeChain struct {
	submitted []ledgertypes.Block
}

func (f *fakeChain) SubmitBlock(ctx context.Context, block ledgertypes.Block, locallyPublished bool) error {
	f.submitted = append(f.submitted, block)
	return nil
}

func signedGenesis(t *testing.T) ledgertypes.Block {
	t.Helper()
	key, err := cryptoutil.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	header := ledgertypes.BlockHeader{
		PreviousBlockID: ledgertypes.GenesisPreviousID,
		BlockNum:        0,
		SignerPubKey:    key.PublicKey(),
		StateRootHash:   state.EmptyRoot,
	}
	b, err := ledgertypes.SignBlock(header, nil, key)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func addrWithSuffix(t *testing.T, suffix byte) string {
	t.Helper()
	b := make([]byte, ledgertypes.AddressLength)
	for i := range b {
		b[i] = '0'
	}
	b[len(b)-1] = suffix
	return string(b)
}

func signedTxForPublisher(t *testing.T, addr string) ledgertypes.Transaction {
	t.Helper()
	key, err := cryptoutil.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	header := ledgertypes.TransactionHeader{
		FamilyName:    "intkey",
		FamilyVersion: "1.0",
		Inputs:        []string{addr},
		Outputs:       []string{addr},
		PayloadHash:   ledgertypes.PayloadHash([]byte("p")),
		SignerPubKey:  key.PublicKey(),
		Nonce:         "1",
	}
	tx, err := ledgertypes.SignTransaction(header, []byte("p"), key)
	if err != nil {
		t.Fatal(err)
	}
	return tx
}

func signedBatchForPublisher(t *testing.T, txns ...ledgertypes.Transaction) ledgertypes.Batch {
	t.Helper()
	key, err := cryptoutil.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, tx := range txns {
		ids = append(ids, tx.ID())
	}
	header := ledgertypes.BatchHeader{SignerPubKey: key.PublicKey(), TransactionIDs: ids}
	b, err := ledgertypes.SignBatch(header, txns, key)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func newPublisherHarness(t *testing.T) (*Publisher, *Mempool, *fakeChain, string) {
	t.Helper()
	db := kvstore.OpenMemory()
	st := state.New(db)
	store := blockstore.New(db)
	blockMgr := blockmgr.New(store)
	registry := procregistry.New(procregistry.DefaultConfig())
	t.Cleanup(registry.Stop)
	engine := devmode.New()

	genesis := signedGenesis(t)
	if err := blockMgr.Put(genesis); err != nil {
		t.Fatal(err)
	}
	if err := blockMgr.SetStatus(genesis.ID(), ledgertypes.StatusCommitted); err != nil {
		t.Fatal(err)
	}

	mempool := NewMempool(DefaultMempoolConfig())
	t.Cleanup(mempool.Stop)

	fc := &fakeChain{}
	signer, err := cryptoutil.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	cfg := Config{MaxBatches: 10, TimeBudget: time.Second, GraceWindow: 30 * time.Millisecond}
	pub := New(mempool, st, blockMgr, store, engine, registry, fc, nil, signer, cfg, execution.DefaultExecutorConfig())
	return pub, mempool, fc, genesis.ID()
}

func registerEchoProcessorForPublisher(t *testing.T, registry *procregistry.Registry, namespace string) {
	t.Helper()
	registry.Register("worker-"+namespace, "intkey", "1.0", []string{namespace}, func() (procregistry.Conn, error) {
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			frame, err := wire.ReadFrame(server)
			if err != nil {
				return
			}
			var req wire.ProcessRequest
			if err := frame.Decode(&req); err != nil {
				return
			}
			resp := wire.ProcessResponse{
				ContextID: req.ContextID,
				Status:    wire.ProcessStatusOK,
				StateChanges: []ledgertypes.AddressChange{
					{Address: req.Header.Outputs[0], Value: []byte("v")},
				},
			}
			wire.WriteFrame(server, wire.MsgProcessResponse, resp)
		}()
		return client, nil
	})
}

func TestPublisherAssemblesBlockFromMempool(t *testing.T) {
	pub, mempool, fc, genesisID := newPublisherHarness(t)
	addr := addrWithSuffix(t, '1')
	registerEchoProcessorForPublisher(t, pub.registry, addr[:6])

	tx := signedTxForPublisher(t, addr)
	batch := signedBatchForPublisher(t, tx)
	if err := mempool.Submit(batch); err != nil {
		t.Fatal(err)
	}

	block, err := pub.AssembleAndPublish(context.Background(), genesisID)
	if err != nil {
		t.Fatalf("AssembleAndPublish: %v", err)
	}
	if len(block.Batches) != 1 {
		t.Fatalf("expected one included batch, got %d", len(block.Batches))
	}
	if len(fc.submitted) != 1 || fc.submitted[0].ID() != block.ID() {
		t.Fatal("expected block submitted to chain")
	}
	if mempool.Len() != 0 {
		t.Fatalf("expected mempool drained, got %d remaining", mempool.Len())
	}
}

func TestPublisherStopsOnEmptyPoolAfterGraceWindow(t *testing.T) {
	pub, _, _, genesisID := newPublisherHarness(t)

	start := time.Now()
	block, err := pub.AssembleAndPublish(context.Background(), genesisID)
	if err != nil {
		t.Fatalf("AssembleAndPublish: %v", err)
	}
	if len(block.Batches) != 0 {
		t.Fatalf("expected empty block, got %d batches", len(block.Batches))
	}
	if time.Since(start) >= time.Second {
		t.Fatal("expected assembly to stop once the empty pool outlasted the grace window, before the one-second time budget")
	}
}
