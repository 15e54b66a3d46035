// Package transfer implements the Transfer Coordinator: the in-memory state
// machine that brokers consent, progress, timeouts, and cancellation for
// every inbound and outbound transfer.
package transfer

import (
	"errors"
	"time"

	"localshare/eventbus"
)

// Direction distinguishes a transfer initiated by this device from one
// arriving from a peer.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Kind distinguishes a file transfer from a one-shot text message.
type Kind int

const (
	KindFile Kind = iota
	KindText
)

func (k Kind) String() string {
	if k == KindText {
		return "text"
	}
	return "file"
}

// State is one node of the transfer state machine.
type State int

const (
	StatePendingConsent State = iota
	StateAccepted
	StateStreaming
	StateCompleted
	StateRejected
	StateTimedOut
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePendingConsent:
		return "pending_consent"
	case StateAccepted:
		return "accepted"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateRejected:
		return "rejected"
	case StateTimedOut:
		return "timed_out"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is one of the five absorbing states.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateRejected, StateTimedOut, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// UnknownSize marks a declared_size that the sender did not provide.
const UnknownSize int64 = -1

// Transfer is an immutable snapshot of one transfer's state, safe to read
// and copy freely after it is handed out by the Coordinator or Registry.
type Transfer struct {
	ID          string
	Direction   Direction
	Kind        Kind
	PeerAddress string
	PeerAlias   string

	FileName     string
	DeclaredSize int64
	ContentType  string

	State            State
	BytesTransferred int64
	TempPath         string
	FinalPath        string
	FailureReason    string

	CreatedAt      time.Time
	StateChangedAt time.Time
}

// Error taxonomy kinds. These are behavioural sentinels, not the
// errors returned directly by every failing call — wrap with fmt.Errorf and
// errors.Is/errors.As to classify.
var (
	ErrProtocol        = errors.New("transfer: protocol error")
	ErrConsentRejected = errors.New("transfer: consent rejected")
	ErrConsentTimedOut = errors.New("transfer: consent timed out")
	ErrStorage         = errors.New("transfer: storage error")
	ErrNetwork         = errors.New("transfer: network error")
	ErrCancelled       = errors.New("transfer: cancelled")

	ErrNotFound          = errors.New("transfer: id not found")
	ErrAlreadyTerminal   = errors.New("transfer: already in a terminal state")
	ErrInvalidTransition = errors.New("transfer: invalid state transition")
)

// Event bus topics for the file/text transfer subset of the event stream;
// peers-update is published by discovery and alias-changed by config.
const (
	TopicFileTransferRequest  eventbus.Topic = "file-transfer-request"
	TopicFileTransferRejected eventbus.Topic = "file-transfer-rejected"
	TopicFileTransferTimeout  eventbus.Topic = "file-transfer-timeout"
	TopicFileReceiveStart     eventbus.Topic = "file-receive-start"
	TopicTransferProgress     eventbus.Topic = "transfer-progress"
	TopicFileReceiveComplete  eventbus.Topic = "file-receive-complete"
	TopicFileReceiveError     eventbus.Topic = "file-receive-error"
	TopicFileSendError        eventbus.Topic = "file-send-error"
	TopicMessageReceived      eventbus.Topic = "message-received"
)

// TransferRequestEvent is published on TopicFileTransferRequest when an
// inbound transfer enters pending_consent.
type TransferRequestEvent struct {
	ID           string
	FileName     string
	DeclaredSize int64
	PeerAlias    string
}

// RejectedEvent is published on TopicFileTransferRejected / TopicFileTransferTimeout.
type RejectedEvent struct {
	ID string
}

// ProgressEvent is published (lossy) on TopicTransferProgress.
type ProgressEvent struct {
	ID               string
	BytesTransferred int64
	DeclaredSize     int64
}

// CompleteEvent is published on TopicFileReceiveComplete.
type CompleteEvent struct {
	ID        string
	FinalPath string
}

// ErrorEvent is published on TopicFileReceiveError / TopicFileSendError.
type ErrorEvent struct {
	ID     string
	Reason string
}
