// Package remote implements consensus.Engine as a client over a
// pkg/wire-framed connection to an out-of-process consensus engine
// (PoET/PBFT-style), matching SPEC_FULL.md §6's "same framing, additional
// message types" for the consensus channel.
package remote

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/certenlabs/ledgervalidator/pkg/consensus"
	"github.com/certenlabs/ledgervalidator/pkg/ledgertypes"
	"github.com/certenlabs/ledgervalidator/pkg/wire"
)

// Conn is the minimal framed-connection surface remote.Engine needs; a
// net.Conn satisfies it directly.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Engine is a consensus.Engine that delegates every call to an external
// process over conn, one request/response frame pair per call.
type Engine struct {
	mu   sync.Mutex
	conn Conn
	log  *log.Logger
}

// New wraps conn as a remote consensus Engine.
func New(conn Conn) *Engine {
	return &Engine{conn: conn, log: log.New(os.Stderr, "[RemoteConsensus] ", log.LstdFlags)}
}

func (e *Engine) roundTrip(reqType wire.MessageType, req interface{}, respType wire.MessageType, resp interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := wire.WriteFrame(e.conn, reqType, req); err != nil {
		return fmt.Errorf("remote consensus: write: %w", err)
	}
	frame, err := wire.ReadFrame(e.conn)
	if err != nil {
		return fmt.Errorf("remote consensus: read: %w", err)
	}
	if frame.Type != respType {
		return fmt.Errorf("remote consensus: unexpected response type %v", frame.Type)
	}
	return frame.Decode(resp)
}

// InitializeBlock sends a bare initialize-block request and waits for the
// remote engine's Ack. It always returns a nil consensus payload.
func (e *Engine) InitializeBlock() ([]byte, error) {
	var resp wire.Ack
	if err := e.roundTrip(wire.MsgConsensusInitializeBlock, wire.Ack{}, wire.MsgConsensusAck, &resp); err != nil {
		return nil, err
	}
	return nil, nil
}

// SummarizeBlock sends a bare summarize-block request and waits for the
// remote engine's Ack. payload is not sent; it is returned unchanged.
func (e *Engine) SummarizeBlock(payload []byte) ([]byte, error) {
	var resp wire.Ack
	if err := e.roundTrip(wire.MsgConsensusSummarizeBlock, wire.Ack{}, wire.MsgConsensusAck, &resp); err != nil {
		return nil, err
	}
	return payload, nil
}

// FinalizeBlock notifies the remote engine a block is about to be signed.
func (e *Engine) FinalizeBlock(block ledgertypes.Block) error {
	var resp wire.Ack
	return e.roundTrip(wire.MsgConsensusFinalizeBlock, wire.BlockNotification{BlockID: block.ID()}, wire.MsgConsensusAck, &resp)
}

// CheckBlock asks the remote engine to verify block.
func (e *Engine) CheckBlock(block ledgertypes.Block) (consensus.Verdict, error) {
	var resp wire.CheckBlockResponse
	req := wire.CheckBlockRequest{BlockID: block.ID()}
	if err := e.roundTrip(wire.MsgConsensusCheckBlock, req, wire.MsgConsensusCheckBlockResponse, &resp); err != nil {
		return consensus.VerdictInvalid, err
	}
	switch resp.Verdict {
	case wire.ConsensusValid:
		return consensus.VerdictValid, nil
	case wire.ConsensusNeedMoreInfo:
		return consensus.VerdictNeedMoreInfo, nil
	default:
		return consensus.VerdictInvalid, nil
	}
}

// ChooseFork asks the remote engine to pick a fork winner.
func (e *Engine) ChooseFork(currentHead, candidate ledgertypes.Block) (string, error) {
	var resp wire.ChooseForkResponse
	req := wire.ChooseForkRequest{CurrentHead: currentHead.ID(), Candidate: candidate.ID()}
	if err := e.roundTrip(wire.MsgConsensusChooseFork, req, wire.MsgConsensusChooseForkResponse, &resp); err != nil {
		return "", err
	}
	return resp.Winner, nil
}

// CommitBlock notifies the remote engine of a commit.
func (e *Engine) CommitBlock(blockID string) error {
	var resp wire.Ack
	return e.roundTrip(wire.MsgConsensusCommitBlock, wire.BlockNotification{BlockID: blockID}, wire.MsgConsensusAck, &resp)
}

// CancelBlock notifies the remote engine that in-progress assembly was
// abandoned.
func (e *Engine) CancelBlock() error {
	var resp wire.Ack
	return e.roundTrip(wire.MsgConsensusCancelBlock, wire.Ack{}, wire.MsgConsensusAck, &resp)
}

// Close releases the underlying connection.
func (e *Engine) Close() error {
	return e.conn.Close()
}
