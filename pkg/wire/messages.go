package wire

import "github.com/certenlabs/ledgervalidator/pkg/ledgertypes"

// RegisterRequest is sent by a transaction processor on connect, declaring
// the {family, version} buckets and address namespaces it serves.
type RegisterRequest struct {
	FamilyName    string   `json:"family_name"`
	FamilyVersion string   `json:"family_version"`
	Namespaces    []string `json:"namespaces"`
}

// RegisterResponse acknowledges registration.
type RegisterResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// UnregisterRequest asks the registry to drop the sender's registration.
type UnregisterRequest struct {
	FamilyName    string `json:"family_name"`
	FamilyVersion string `json:"family_version"`
}

// UnregisterResponse acknowledges unregistration.
type UnregisterResponse struct {
	OK bool `json:"ok"`
}

// ProcessRequest dispatches a single transaction to a processor.
type ProcessRequest struct {
	ContextID   string                        `json:"context_id"`
	Header      ledgertypes.TransactionHeader `json:"header"`
	Payload     []byte                        `json:"payload"`
}

// ProcessResponseStatus is the processor's verdict on a ProcessRequest.
type ProcessResponseStatus string

const (
	ProcessStatusOK               ProcessResponseStatus = "ok"
	ProcessStatusInvalidTxn       ProcessResponseStatus = "invalid_transaction"
	ProcessStatusInternalError    ProcessResponseStatus = "internal_error"
)

// ProcessResponse is the processor's reply to a ProcessRequest.
type ProcessResponse struct {
	ContextID     string                       `json:"context_id"`
	Status        ProcessResponseStatus        `json:"status"`
	Error         string                       `json:"error,omitempty"`
	StateChanges  []ledgertypes.AddressChange  `json:"state_changes,omitempty"`
	Events        []ledgertypes.Event          `json:"events,omitempty"`
}

// StateGetRequest asks the core to read addresses from the context's
// speculative view, the processor's half of the Scheduler's read protocol.
type StateGetRequest struct {
	ContextID string   `json:"context_id"`
	Addresses []string `json:"addresses"`
}

// StateGetResponse returns the requested values. If any requested address
// fell outside the context's declared inputs, Error carries
// execution.ErrAuthorizationViolation's text and Values is empty; the
// Executor closes the connection immediately after sending this response,
// having already told the Scheduler to fail the transaction.
type StateGetResponse struct {
	ContextID string            `json:"context_id"`
	Values    map[string][]byte `json:"values"`
	Error     string            `json:"error,omitempty"`
}

// StateSetRequest stages a write within a context's speculative overlay.
type StateSetRequest struct {
	ContextID string `json:"context_id"`
	Address   string `json:"address"`
	Value     []byte `json:"value"`
}

// StateSetResponse acknowledges a StateSetRequest.
type StateSetResponse struct {
	ContextID string `json:"context_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// StateDeleteRequest stages a delete within a context's speculative overlay.
type StateDeleteRequest struct {
	ContextID string `json:"context_id"`
	Address   string `json:"address"`
}

// StateDeleteResponse acknowledges a StateDeleteRequest.
type StateDeleteResponse struct {
	ContextID string `json:"context_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// ReceiptAddDataRequest lets a processor attach opaque side-channel data to
// a transaction's eventual receipt.
type ReceiptAddDataRequest struct {
	ContextID string `json:"context_id"`
	DataType  string `json:"data_type"`
	Data      []byte `json:"data"`
}

// EventAddRequest lets a processor emit an application event attached to
// the transaction's receipt.
type EventAddRequest struct {
	ContextID string              `json:"context_id"`
	Event     ledgertypes.Event   `json:"event"`
}

// HeartbeatRequest is sent periodically by a registered processor to keep
// its registration alive.
type HeartbeatRequest struct {
	FamilyName    string `json:"family_name"`
	FamilyVersion string `json:"family_version"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	OK bool `json:"ok"`
}

// ConsensusVerdict is the result of an out-of-process CheckBlock call.
type ConsensusVerdict string

const (
	ConsensusValid        ConsensusVerdict = "valid"
	ConsensusInvalid      ConsensusVerdict = "invalid"
	ConsensusNeedMoreInfo ConsensusVerdict = "need_more_info"
)

// CheckBlockRequest asks a remote consensus engine to verify a block.
type CheckBlockRequest struct {
	BlockID string `json:"block_id"`
}

// CheckBlockResponse carries the remote engine's verdict.
type CheckBlockResponse struct {
	BlockID string           `json:"block_id"`
	Verdict ConsensusVerdict `json:"verdict"`
}

// ChooseForkRequest asks a remote consensus engine to pick a fork winner.
type ChooseForkRequest struct {
	CurrentHead string `json:"current_head"`
	Candidate   string `json:"candidate"`
}

// ChooseForkResponse names the winning block id.
type ChooseForkResponse struct {
	Winner string `json:"winner"`
}

// BlockNotification covers BlockNew/BlockValid/BlockInvalid/BlockCommit,
// the four callbacks a consensus engine receives from the core.
type BlockNotification struct {
	BlockID string `json:"block_id"`
}

// Ack is a generic empty acknowledgement.
type Ack struct{}
