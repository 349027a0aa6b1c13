// Package wire implements the framed request/response protocol used on
// both outbound channels the core core speaks to external collaborators
// over: the transaction-processor channel (pkg/execution, pkg/procregistry)
// and the out-of-process consensus-engine channel (pkg/consensus/remote).
//
// Frame format: a 4-byte big-endian length prefix covering everything that
// follows, then a 1-byte message-type tag, then a JSON-encoded body. JSON
// was chosen over protobuf despite the transaction-processor/consensus
// analogy to gRPC-style services: cosmos/gogoproto only appears as an
// indirect, transitive dependency in the corpus (pulled in by
// cometbft/cometbft-db's dependents), never imported directly by any
// example repo, so there is no grounded protobuf idiom to imitate. JSON
// body encoding matches the teacher's own wire-adjacent choices (its ABCI
// layer and HTTP handlers both move JSON), so the framing here only adds
// the length/type header CometBFT's and gRPC's own framed transports use.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameBytes bounds a single frame's body size, guarding against a
// malicious or buggy peer claiming an enormous length prefix.
const MaxFrameBytes = 64 << 20 // 64 MiB

// ErrFrameTooLarge is returned when a peer's declared frame length exceeds
// MaxFrameBytes.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// MessageType tags the body of a frame.
type MessageType byte

const (
	MsgRegister MessageType = iota + 1
	MsgRegisterResponse
	MsgUnregister
	MsgUnregisterResponse
	MsgProcessRequest
	MsgProcessResponse
	MsgStateGet
	MsgStateGetResponse
	MsgStateSet
	MsgStateSetResponse
	MsgStateDelete
	MsgStateDeleteResponse
	MsgReceiptAddData
	MsgEventAdd
	MsgHeartbeat
	MsgHeartbeatResponse

	// Consensus-engine channel message types, sharing the same framing.
	MsgConsensusInitializeBlock
	MsgConsensusSummarizeBlock
	MsgConsensusFinalizeBlock
	MsgConsensusCheckBlock
	MsgConsensusCheckBlockResponse
	MsgConsensusCommitBlock
	MsgConsensusCancelBlock
	MsgConsensusChooseFork
	MsgConsensusChooseForkResponse
	MsgConsensusBlockNew
	MsgConsensusBlockValid
	MsgConsensusBlockInvalid
	MsgConsensusBlockCommit
	MsgConsensusAck
)

// Frame is one message on a wire.Conn.
type Frame struct {
	Type MessageType
	Body []byte
}

// WriteFrame writes msg, JSON-marshaled, as the body of a length-prefixed
// frame of the given type.
func WriteFrame(w io.Writer, msgType MessageType, msg interface{}) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wire: marshal body: %w", err)
	}
	return writeRawFrame(w, msgType, body)
}

func writeRawFrame(w io.Writer, msgType MessageType, body []byte) error {
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[:4], uint32(len(body)+1))
	header[4] = byte(msgType)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: write body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Frame{}, fmt.Errorf("wire: empty frame")
	}
	if length > MaxFrameBytes {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("wire: read payload: %w", err)
	}
	return Frame{Type: MessageType(payload[0]), Body: payload[1:]}, nil
}

// Decode JSON-unmarshals f.Body into v.
func (f Frame) Decode(v interface{}) error {
	if err := json.Unmarshal(f.Body, v); err != nil {
		return fmt.Errorf("wire: decode %v frame: %w", f.Type, err)
	}
	return nil
}
