package execution

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/certenlabs/ledgervalidator/pkg/ledgertypes"
	"github.com/certenlabs/ledgervalidator/pkg/metrics"
	"github.com/certenlabs/ledgervalidator/pkg/procregistry"
	"github.com/certenlabs/ledgervalidator/pkg/wire"
)

// ProcessorConn is the framed, bidirectional connection to a selected
// transaction processor. pkg/procregistry's dispatch functions return
// values satisfying this interface (a thin wrapper over a net.Conn in
// production, an in-memory pipe in tests).
type ProcessorConn interface {
	io.ReadWriter
	Close() error
}

// ExecutorConfig controls dispatch retry behavior.
type ExecutorConfig struct {
	MaxRetries      int
	DispatchTimeout time.Duration
}

// DefaultExecutorConfig returns the SPEC_FULL.md-resolved defaults: a 30
// second per-transaction dispatch deadline, up to 3 retries on transient
// InternalError before giving up.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{MaxRetries: 3, DispatchTimeout: 30 * time.Second}
}

// Executor drives a Scheduler's dispatch loop, framing each eligible
// transaction to its matching processor and feeding the response back to
// Finalize.
type Executor struct {
	sched    *Scheduler
	registry *procregistry.Registry
	cfg      ExecutorConfig
	log      *log.Logger
	metrics  *metrics.Metrics
}

// SetMetrics attaches m so per-family processor round-trip latency is
// observed. A nil or never-set m disables reporting.
func (e *Executor) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// NewExecutor builds an Executor over sched, selecting processors from
// registry.
func NewExecutor(sched *Scheduler, registry *procregistry.Registry, cfg ExecutorConfig) *Executor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultExecutorConfig().MaxRetries
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultExecutorConfig().DispatchTimeout
	}
	return &Executor{
		sched:    sched,
		registry: registry,
		cfg:      cfg,
		log:      log.New(os.Stderr, "[Executor] ", log.LstdFlags),
	}
}

// Run drives the scheduler to completion: dispatching every eligible
// transaction to a processor, retrying transient failures, and finalizing
// terminal outcomes, until Finish reports the batch queue drained.
func (e *Executor) Run() ([]ledgertypes.BatchResult, string, error) {
	for {
		tx, contextID, ok := e.sched.NextTransaction()
		if !ok {
			results, root, err := e.sched.Finish()
			if err == nil {
				return results, root, nil
			}
			if err == ErrSchedulerTimeout {
				continue
			}
			return nil, "", err
		}
		go e.dispatch(tx, contextID)
	}
}

// dispatch sends tx to its family/version processor and finalizes the
// scheduler context with the result, retrying on transient InternalError
// up to cfg.MaxRetries, per SPEC_FULL.md §4.4's Executor contract. If no
// worker is registered for tx's family/version, it waits up to
// cfg.DispatchTimeout for one before recording ErrNoProcessorAvailable.
func (e *Executor) dispatch(tx ledgertypes.Transaction, contextID string) {
	var outcome TransactionOutcome

	dial, err := e.registry.Select(tx.Header.FamilyName, tx.Header.FamilyVersion)
	for deadline := time.Now().Add(e.cfg.DispatchTimeout); err != nil && time.Now().Before(deadline); {
		time.Sleep(50 * time.Millisecond)
		dial, err = e.registry.Select(tx.Header.FamilyName, tx.Header.FamilyVersion)
	}
	if err != nil {
		outcome = TransactionOutcome{
			Kind:         ledgertypes.ResultInvalid,
			ErrorMessage: fmt.Sprintf("%v: %v", ErrNoProcessorAvailable, err),
		}
		if ferr := e.sched.Finalize(contextID, outcome); ferr != nil {
			e.log.Printf("finalize %s: %v", contextID, ferr)
		}
		return
	}

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		resp, err := e.roundTrip(dial, tx, contextID)
		if err != nil {
			if errors.Is(err, ErrAuthorizationViolation) {
				// roundTrip already told the Scheduler about the violation
				// (ReadState/WriteState finalize the context and fail the
				// batch themselves); retrying would only dial a fresh
				// processor for a transaction the core has already decided.
				return
			}
			e.log.Printf("attempt %d dispatching %s: %v", attempt, tx.ID(), err)
			continue
		}
		switch resp.Status {
		case wire.ProcessStatusOK:
			outcome = TransactionOutcome{
				Kind:         ledgertypes.ResultValid,
				StateChanges: resp.StateChanges,
				Events:       resp.Events,
			}
			e.finalize(contextID, outcome)
			return
		case wire.ProcessStatusInvalidTxn:
			outcome = TransactionOutcome{Kind: ledgertypes.ResultInvalid, ErrorMessage: resp.Error}
			e.finalize(contextID, outcome)
			return
		case wire.ProcessStatusInternalError:
			continue // transient: retry against the same dialed worker
		default:
			outcome = TransactionOutcome{Kind: ledgertypes.ResultInvalid, ErrorMessage: "unknown processor status: " + string(resp.Status)}
			e.finalize(contextID, outcome)
			return
		}
	}

	e.finalize(contextID, TransactionOutcome{
		Kind:         ledgertypes.ResultInvalid,
		ErrorMessage: fmt.Sprintf("processor retries exhausted for transaction %s", tx.ID()),
	})
}

func (e *Executor) finalize(contextID string, outcome TransactionOutcome) {
	if err := e.sched.Finalize(contextID, outcome); err != nil {
		e.log.Printf("finalize %s: %v", contextID, err)
	}
}

// roundTrip dispatches tx to the connection dial opens and serves that
// processor's requests against the Scheduler's speculative view until it
// sends back its terminal ProcessResponse. This is the processor's half of
// the wire protocol: StateGet/StateSet/StateDelete let it read and write
// through contextID's declared Inputs/Outputs, and ReceiptAddData/EventAdd
// let it attach side data to the eventual receipt, all enforced by the
// Scheduler rather than trusted from the wire (SPEC_FULL.md §4.4, §8).
func (e *Executor) roundTrip(dial func() (procregistry.Conn, error), tx ledgertypes.Transaction, contextID string) (wire.ProcessResponse, error) {
	conn, err := dial()
	if err != nil {
		return wire.ProcessResponse{}, fmt.Errorf("dial processor: %w", err)
	}
	pc, ok := conn.(ProcessorConn)
	if !ok {
		conn.Close()
		return wire.ProcessResponse{}, fmt.Errorf("processor connection does not support framing")
	}
	defer pc.Close()

	start := time.Now()
	req := wire.ProcessRequest{ContextID: contextID, Header: tx.Header, Payload: tx.Payload}
	if err := wire.WriteFrame(pc, wire.MsgProcessRequest, req); err != nil {
		return wire.ProcessResponse{}, fmt.Errorf("write request: %w", err)
	}

	for {
		frame, err := wire.ReadFrame(pc)
		if err != nil {
			return wire.ProcessResponse{}, fmt.Errorf("read frame: %w", err)
		}

		switch frame.Type {
		case wire.MsgProcessResponse:
			var resp wire.ProcessResponse
			if err := frame.Decode(&resp); err != nil {
				return wire.ProcessResponse{}, err
			}
			if e.metrics != nil {
				e.metrics.ProcessorRoundTrip.WithLabelValues(tx.Header.FamilyName).Observe(time.Since(start).Seconds())
			}
			return resp, nil

		case wire.MsgStateGet:
			var greq wire.StateGetRequest
			if err := frame.Decode(&greq); err != nil {
				return wire.ProcessResponse{}, err
			}
			values, rerr := e.sched.ReadState(contextID, greq.Addresses)
			gresp := wire.StateGetResponse{ContextID: contextID, Values: values}
			if rerr != nil {
				gresp.Error = rerr.Error()
			}
			if werr := wire.WriteFrame(pc, wire.MsgStateGetResponse, gresp); werr != nil {
				return wire.ProcessResponse{}, fmt.Errorf("write state-get response: %w", werr)
			}
			if rerr != nil && errors.Is(rerr, ErrAuthorizationViolation) {
				return wire.ProcessResponse{}, rerr
			}

		case wire.MsgStateSet:
			var sreq wire.StateSetRequest
			if err := frame.Decode(&sreq); err != nil {
				return wire.ProcessResponse{}, err
			}
			werr2 := e.sched.WriteState(contextID, sreq.Address, sreq.Value)
			sresp := wire.StateSetResponse{ContextID: contextID, OK: werr2 == nil}
			if werr2 != nil {
				sresp.Error = werr2.Error()
			}
			if werr := wire.WriteFrame(pc, wire.MsgStateSetResponse, sresp); werr != nil {
				return wire.ProcessResponse{}, fmt.Errorf("write state-set response: %w", werr)
			}
			if werr2 != nil && errors.Is(werr2, ErrAuthorizationViolation) {
				return wire.ProcessResponse{}, werr2
			}

		case wire.MsgStateDelete:
			var dreq wire.StateDeleteRequest
			if err := frame.Decode(&dreq); err != nil {
				return wire.ProcessResponse{}, err
			}
			derr := e.sched.WriteState(contextID, dreq.Address, nil)
			dresp := wire.StateDeleteResponse{ContextID: contextID, OK: derr == nil}
			if derr != nil {
				dresp.Error = derr.Error()
			}
			if werr := wire.WriteFrame(pc, wire.MsgStateDeleteResponse, dresp); werr != nil {
				return wire.ProcessResponse{}, fmt.Errorf("write state-delete response: %w", werr)
			}
			if derr != nil && errors.Is(derr, ErrAuthorizationViolation) {
				return wire.ProcessResponse{}, derr
			}

		case wire.MsgReceiptAddData:
			var areq wire.ReceiptAddDataRequest
			if err := frame.Decode(&areq); err != nil {
				return wire.ProcessResponse{}, err
			}
			if err := e.sched.AddExtendedData(contextID, areq.Data); err != nil {
				return wire.ProcessResponse{}, err
			}

		case wire.MsgEventAdd:
			var ereq wire.EventAddRequest
			if err := frame.Decode(&ereq); err != nil {
				return wire.ProcessResponse{}, err
			}
			if err := e.sched.AddEvent(contextID, ereq.Event); err != nil {
				return wire.ProcessResponse{}, err
			}

		default:
			return wire.ProcessResponse{}, fmt.Errorf("unexpected frame type %v", frame.Type)
		}
	}
}
