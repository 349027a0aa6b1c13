package execution

import (
	"net"
	"testing"
	"time"

	"github.com/certenlabs/ledgervalidator/pkg/kvstore"
	"github.com/certenlabs/ledgervalidator/pkg/ledgertypes"
	"github.com/certenlabs/ledgervalidator/pkg/procregistry"
	"github.com/certenlabs/ledgervalidator/pkg/state"
	"github.com/certenlabs/ledgervalidator/pkg/wire"
)

func fakeProcessor(t *testing.T, conn net.Conn, addr string) {
	t.Helper()
	defer conn.Close()
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return
	}
	var req wire.ProcessRequest
	if err := frame.Decode(&req); err != nil {
		t.Errorf("decode request: %v", err)
		return
	}
	resp := wire.ProcessResponse{
		ContextID: req.ContextID,
		Status:    wire.ProcessStatusOK,
		StateChanges: []ledgertypes.AddressChange{
			{Address: addr, Value: []byte("from-processor")},
		},
	}
	if err := wire.WriteFrame(conn, wire.MsgProcessResponse, resp); err != nil {
		t.Errorf("write response: %v", err)
	}
}

func TestExecutorRunDispatchesAndCommits(t *testing.T) {
	st := state.New(kvstore.OpenMemory())
	addr := testAddr('9')
	tx := signedTx(t, []string{addr}, []string{addr}, nil)
	batch := signedBatch(t, tx)

	sched := New(st, state.EmptyRoot, noPriorCommitted, 2*time.Second)
	sched.AddBatch(batch)

	registry := procregistry.New(procregistry.DefaultConfig())
	defer registry.Stop()

	registry.Register("worker-1", "intkey", "1.0", []string{addr[:6]}, func() (procregistry.Conn, error) {
		client, server := net.Pipe()
		go fakeProcessor(t, server, addr)
		return client, nil
	})

	exec := NewExecutor(sched, registry, DefaultExecutorConfig())
	results, root, err := exec.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 1 || !results[0].Applied {
		t.Fatalf("expected applied batch, got %+v", results)
	}
	v, ok, err := st.Read(root, addr)
	if err != nil || !ok || string(v) != "from-processor" {
		t.Fatalf("state not committed via processor round trip: v=%q ok=%v err=%v", v, ok, err)
	}
}

// fakeStatefulProcessor writes through StateSet, confirms the write with a
// StateGet, then reports success without repeating the change in its
// ProcessResponse, exercising the streamed read/write protocol end to end.
func fakeStatefulProcessor(t *testing.T, conn net.Conn, addr string) {
	t.Helper()
	defer conn.Close()

	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return
	}
	var req wire.ProcessRequest
	if err := frame.Decode(&req); err != nil {
		t.Errorf("decode request: %v", err)
		return
	}

	setReq := wire.StateSetRequest{ContextID: req.ContextID, Address: addr, Value: []byte("via-state-set")}
	if err := wire.WriteFrame(conn, wire.MsgStateSet, setReq); err != nil {
		t.Errorf("write state-set: %v", err)
		return
	}
	setFrame, err := wire.ReadFrame(conn)
	if err != nil || setFrame.Type != wire.MsgStateSetResponse {
		t.Errorf("read state-set response: frame=%+v err=%v", setFrame, err)
		return
	}

	getReq := wire.StateGetRequest{ContextID: req.ContextID, Addresses: []string{addr}}
	if err := wire.WriteFrame(conn, wire.MsgStateGet, getReq); err != nil {
		t.Errorf("write state-get: %v", err)
		return
	}
	getFrame, err := wire.ReadFrame(conn)
	if err != nil || getFrame.Type != wire.MsgStateGetResponse {
		t.Errorf("read state-get response: frame=%+v err=%v", getFrame, err)
		return
	}
	var getResp wire.StateGetResponse
	if err := getFrame.Decode(&getResp); err != nil {
		t.Errorf("decode state-get response: %v", err)
		return
	}
	if string(getResp.Values[addr]) != "via-state-set" {
		t.Errorf("expected state-get to echo buffered write, got %+v", getResp)
		return
	}

	resp := wire.ProcessResponse{ContextID: req.ContextID, Status: wire.ProcessStatusOK}
	if err := wire.WriteFrame(conn, wire.MsgProcessResponse, resp); err != nil {
		t.Errorf("write response: %v", err)
	}
}

func TestExecutorServesStateGetAndStateSet(t *testing.T) {
	st := state.New(kvstore.OpenMemory())
	addr := testAddr('7')
	tx := signedTx(t, []string{addr}, []string{addr}, nil)
	batch := signedBatch(t, tx)

	sched := New(st, state.EmptyRoot, noPriorCommitted, 2*time.Second)
	sched.AddBatch(batch)

	registry := procregistry.New(procregistry.DefaultConfig())
	defer registry.Stop()

	registry.Register("worker-1", "intkey", "1.0", []string{addr[:6]}, func() (procregistry.Conn, error) {
		client, server := net.Pipe()
		go fakeStatefulProcessor(t, server, addr)
		return client, nil
	})

	exec := NewExecutor(sched, registry, DefaultExecutorConfig())
	results, root, err := exec.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 1 || !results[0].Applied {
		t.Fatalf("expected applied batch, got %+v", results)
	}
	v, ok, err := st.Read(root, addr)
	if err != nil || !ok || string(v) != "via-state-set" {
		t.Fatalf("state not committed via state-set protocol: v=%q ok=%v err=%v", v, ok, err)
	}
}

// fakeOverreachingProcessor tries to read an address outside the
// transaction's declared inputs and expects the core to refuse it and tear
// down the exchange rather than ever sending a ProcessResponse.
func fakeOverreachingProcessor(t *testing.T, conn net.Conn, forbidden string) {
	t.Helper()
	defer conn.Close()

	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return
	}
	var req wire.ProcessRequest
	if err := frame.Decode(&req); err != nil {
		t.Errorf("decode request: %v", err)
		return
	}

	getReq := wire.StateGetRequest{ContextID: req.ContextID, Addresses: []string{forbidden}}
	if err := wire.WriteFrame(conn, wire.MsgStateGet, getReq); err != nil {
		t.Errorf("write state-get: %v", err)
		return
	}
	getFrame, err := wire.ReadFrame(conn)
	if err != nil || getFrame.Type != wire.MsgStateGetResponse {
		t.Errorf("read state-get response: frame=%+v err=%v", getFrame, err)
		return
	}
	var getResp wire.StateGetResponse
	if err := getFrame.Decode(&getResp); err != nil {
		t.Errorf("decode state-get response: %v", err)
		return
	}
	if getResp.Error == "" {
		t.Errorf("expected state-get response to carry an authorization error, got %+v", getResp)
	}
	// The core closes the connection right after this; sending a
	// ProcessResponse here would race a closed pipe, so the fake processor
	// does not attempt one.
}

func TestExecutorStateGetOutsideInputsFailsTransactionWithoutRetry(t *testing.T) {
	st := state.New(kvstore.OpenMemory())
	addr := testAddr('6')
	forbidden := testAddr('5')
	tx := signedTx(t, []string{addr}, []string{addr}, nil)
	batch := signedBatch(t, tx)

	sched := New(st, state.EmptyRoot, noPriorCommitted, 2*time.Second)
	sched.AddBatch(batch)

	registry := procregistry.New(procregistry.DefaultConfig())
	defer registry.Stop()

	attempts := 0
	registry.Register("worker-1", "intkey", "1.0", []string{addr[:6]}, func() (procregistry.Conn, error) {
		attempts++
		client, server := net.Pipe()
		go fakeOverreachingProcessor(t, server, forbidden)
		return client, nil
	})

	exec := NewExecutor(sched, registry, DefaultExecutorConfig())
	results, _, err := exec.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Applied {
		t.Fatal("expected batch invalidated by a read outside declared inputs")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly one dial attempt (no retry after an authorization violation), got %d", attempts)
	}
}

func TestExecutorNoProcessorAvailableFailsTransaction(t *testing.T) {
	st := state.New(kvstore.OpenMemory())
	addr := testAddr('8')
	tx := signedTx(t, []string{addr}, []string{addr}, nil)
	batch := signedBatch(t, tx)

	sched := New(st, state.EmptyRoot, noPriorCommitted, 2*time.Second)
	sched.AddBatch(batch)

	registry := procregistry.New(procregistry.DefaultConfig())
	defer registry.Stop()

	exec := NewExecutor(sched, registry, DefaultExecutorConfig())
	results, _, err := exec.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Applied {
		t.Fatal("expected batch to fail with no processor registered")
	}
}
