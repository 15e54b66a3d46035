package transfer

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"localshare/eventbus"
	"localshare/models"
)

// DefaultConsentTimeout is the 30s window an inbound transfer has to be
// accepted or rejected before it times out.
const DefaultConsentTimeout = 30 * time.Second

// DefaultProgressInterval and DefaultProgressBytes throttle transfer-progress
// emission: at most once per interval or per byte step, whichever comes
// first (step 3).
const (
	DefaultProgressInterval = 250 * time.Millisecond
	DefaultProgressBytes    = 1 << 20 // 1 MiB
)

// HistorySink persists a terminal transfer's record outside the hot path.
// Implementations must not block: the Coordinator calls Record from its own
// goroutine and never waits on it. Satisfied by storage.Store.
type HistorySink interface {
	Record(models.TransferRecord)
}

// InboundMeta describes an arriving transfer before consent is requested.
// FileName is expected to already be sanitised by the Ingest Server by the
// time RegisterInbound is called.
type InboundMeta struct {
	PeerAddress  string
	PeerAlias    string
	FileName     string
	DeclaredSize int64
	ContentType  string

	// ID, if non-empty, is reused as the transfer id instead of minting a
	// new one. The Ingest Server sets this from the sender's transfer-id
	// header so both sides of a transfer share the same id, letting a
	// sender-issued POST /api/localshare/cancel/{id} address the right
	// transfer on this side too.
	ID string
}

// OutboundMeta describes a transfer this device is about to send. Outbound
// transfers start directly in streaming: there is no local consent gate,
// the remote Ingest Server gates consent instead.
type OutboundMeta struct {
	PeerAddress  string
	PeerAlias    string
	Kind         Kind
	FileName     string
	DeclaredSize int64
	ContentType  string
}

// Options configures a Coordinator. Zero values fall back to package
// defaults.
type Options struct {
	Bus              *eventbus.Bus
	ConsentTimeout   time.Duration
	ProgressInterval time.Duration
	ProgressBytes    int64
	HistoryCapacity  int
	Sink             HistorySink

	// newID generates transfer ids; overridable in tests for determinism.
	newID func() string
}

func (o Options) withDefaults() Options {
	out := o
	if out.Bus == nil {
		out.Bus = eventbus.New()
	}
	if out.ConsentTimeout <= 0 {
		out.ConsentTimeout = DefaultConsentTimeout
	}
	if out.ProgressInterval <= 0 {
		out.ProgressInterval = DefaultProgressInterval
	}
	if out.ProgressBytes <= 0 {
		out.ProgressBytes = DefaultProgressBytes
	}
	if out.newID == nil {
		out.newID = uuid.NewString
	}
	return out
}

// Coordinator is the Transfer Coordinator: the single
// long-lived component owning the Registry and brokering lifecycle and
// progress events, with states driven by the state machine in transfer.go.
type Coordinator struct {
	opts     Options
	bus      *eventbus.Bus
	registry *Registry
}

// New constructs a ready-to-use Coordinator.
func New(opts Options) *Coordinator {
	opts = opts.withDefaults()
	return &Coordinator{
		opts:     opts,
		bus:      opts.Bus,
		registry: NewRegistry(opts.HistoryCapacity),
	}
}

// Bus returns the event bus the Coordinator publishes on, so other
// components (ingest, sender, main) can subscribe.
func (c *Coordinator) Bus() *eventbus.Bus {
	return c.bus
}

// RegisterInbound inserts a new transfer in pending_consent and arms its
// 30s consent timer. Returns the new transfer id.
func (c *Coordinator) RegisterInbound(meta InboundMeta) string {
	id := meta.ID
	if id == "" {
		id = c.opts.newID()
	}
	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())

	rec := &record{
		t: Transfer{
			ID:             id,
			Direction:      Inbound,
			Kind:           KindFile,
			PeerAddress:    meta.PeerAddress,
			PeerAlias:      meta.PeerAlias,
			FileName:       meta.FileName,
			DeclaredSize:   meta.DeclaredSize,
			ContentType:    meta.ContentType,
			State:          StatePendingConsent,
			CreatedAt:      now,
			StateChangedAt: now,
		},
		ctx:    ctx,
		cancel: cancel,
	}
	rec.gate = newConsentGate(c.opts.ConsentTimeout, func() {
		c.handleConsentTimeout(id)
	})

	c.registry.insert(rec)

	c.bus.Publish(TopicFileTransferRequest, TransferRequestEvent{
		ID:           id,
		FileName:     meta.FileName,
		DeclaredSize: meta.DeclaredSize,
		PeerAlias:    meta.PeerAlias,
	})

	return id
}

// AwaitConsent blocks until id's consent gate resolves or the transfer's
// own context is cancelled (e.g. by Cancel). Must be called at most once
// per id.
func (c *Coordinator) AwaitConsent(id string) (State, error) {
	rec, ok := c.registry.get(id)
	if !ok {
		return 0, ErrNotFound
	}
	if rec.gate == nil {
		return 0, fmt.Errorf("%w: not an inbound transfer awaiting consent", ErrProtocol)
	}

	result := rec.gate.await(rec.ctx)

	rec.mu.Lock()
	state := rec.t.State
	rec.mu.Unlock()
	if state.Terminal() {
		return state, nil
	}

	switch result {
	case consentAccepted:
		return StateAccepted, nil
	case consentRejected:
		return StateRejected, nil
	default:
		return StateTimedOut, nil
	}
}

// Respond answers id's consent gate. ok is false if a decision was already
// recorded (the at-most-one-consent property) — including a
// decision made by the timeout firing first.
func (c *Coordinator) Respond(id string, accepted bool) (ok bool, err error) {
	rec, found := c.registry.get(id)
	if !found {
		return false, ErrNotFound
	}
	if rec.gate == nil {
		return false, fmt.Errorf("%w: not an inbound transfer", ErrProtocol)
	}

	if !rec.gate.respond(accepted) {
		return false, nil
	}

	if accepted {
		c.transition(rec, StateAccepted, "")
		return true, nil
	}

	c.transition(rec, StateRejected, "")
	c.bus.Publish(TopicFileTransferRejected, RejectedEvent{ID: id})
	c.finalize(rec)
	return true, nil
}

func (c *Coordinator) handleConsentTimeout(id string) {
	rec, ok := c.registry.get(id)
	if !ok {
		return
	}
	c.transition(rec, StateTimedOut, "")
	c.bus.Publish(TopicFileTransferTimeout, RejectedEvent{ID: id})
	c.finalize(rec)
}

// BeginStreaming transitions an accepted inbound transfer to streaming once
// the Ingest Server has opened its temp file; temp_path is set only once
// streaming begins.
func (c *Coordinator) BeginStreaming(id, tempPath string) (Transfer, error) {
	rec, ok := c.registry.get(id)
	if !ok {
		return Transfer{}, ErrNotFound
	}

	rec.mu.Lock()
	if rec.t.State != StateAccepted {
		state := rec.t.State
		rec.mu.Unlock()
		return Transfer{}, fmt.Errorf("%w: from %s", ErrInvalidTransition, state)
	}
	rec.t.TempPath = tempPath
	rec.t.State = StateStreaming
	rec.t.StateChangedAt = time.Now()
	snapshot := rec.snapshotLocked()
	rec.mu.Unlock()

	c.bus.Publish(TopicFileReceiveStart, snapshot)
	return snapshot, nil
}

// RejectOutbound records that the remote Ingest Server answered 403 to an
// outbound send. Unlike Respond, there is no local consent gate to satisfy:
// the decision already happened on the peer's device.
func (c *Coordinator) RejectOutbound(id string) (Transfer, error) {
	rec, ok := c.registry.get(id)
	if !ok {
		return Transfer{}, ErrNotFound
	}
	rec.mu.Lock()
	if rec.t.State.Terminal() {
		rec.mu.Unlock()
		return Transfer{}, ErrAlreadyTerminal
	}
	rec.mu.Unlock()

	c.transition(rec, StateRejected, "")
	c.bus.Publish(TopicFileTransferRejected, RejectedEvent{ID: id})
	c.finalize(rec)

	rec.mu.Lock()
	snapshot := rec.snapshotLocked()
	rec.mu.Unlock()
	return snapshot, nil
}

// TimeoutOutbound records that the remote Ingest Server answered 408 to an
// outbound send.
func (c *Coordinator) TimeoutOutbound(id string) (Transfer, error) {
	rec, ok := c.registry.get(id)
	if !ok {
		return Transfer{}, ErrNotFound
	}
	rec.mu.Lock()
	if rec.t.State.Terminal() {
		rec.mu.Unlock()
		return Transfer{}, ErrAlreadyTerminal
	}
	rec.mu.Unlock()

	c.transition(rec, StateTimedOut, "")
	c.bus.Publish(TopicFileTransferTimeout, RejectedEvent{ID: id})
	c.finalize(rec)

	rec.mu.Lock()
	snapshot := rec.snapshotLocked()
	rec.mu.Unlock()
	return snapshot, nil
}

// RegisterOutbound inserts a new outbound transfer directly in streaming.
func (c *Coordinator) RegisterOutbound(meta OutboundMeta) string {
	id := c.opts.newID()
	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())

	rec := &record{
		t: Transfer{
			ID:             id,
			Direction:      Outbound,
			Kind:           meta.Kind,
			PeerAddress:    meta.PeerAddress,
			PeerAlias:      meta.PeerAlias,
			FileName:       meta.FileName,
			DeclaredSize:   meta.DeclaredSize,
			ContentType:    meta.ContentType,
			State:          StateStreaming,
			CreatedAt:      now,
			StateChangedAt: now,
		},
		ctx:    ctx,
		cancel: cancel,
	}
	c.registry.insert(rec)
	return id
}

// NoteProgress updates id's byte counter and emits a throttled, lossy
// transfer-progress event. Out-of-order or decreasing
// values are ignored to preserve the monotonic-progress property.
func (c *Coordinator) NoteProgress(id string, bytes int64) {
	rec, ok := c.registry.get(id)
	if !ok {
		return
	}

	rec.mu.Lock()
	if rec.t.State.Terminal() || bytes <= rec.t.BytesTransferred {
		rec.mu.Unlock()
		return
	}
	rec.t.BytesTransferred = bytes

	now := time.Now()
	sinceLast := now.Sub(rec.lastEmitAt)
	bytesSinceLast := bytes - rec.lastEmitBytes
	shouldEmit := rec.lastEmitAt.IsZero() || sinceLast >= c.opts.ProgressInterval || bytesSinceLast >= c.opts.ProgressBytes
	if shouldEmit {
		rec.lastEmitAt = now
		rec.lastEmitBytes = bytes
	}
	declared := rec.t.DeclaredSize
	rec.mu.Unlock()

	if shouldEmit {
		c.bus.Publish(TopicTransferProgress, ProgressEvent{ID: id, BytesTransferred: bytes, DeclaredSize: declared})
	}
}

// Complete transitions id to completed with the given final path (inbound)
// or marks an outbound send done (finalPath empty).
func (c *Coordinator) Complete(id, finalPath string) (Transfer, error) {
	rec, ok := c.registry.get(id)
	if !ok {
		return Transfer{}, ErrNotFound
	}

	rec.mu.Lock()
	if rec.t.State.Terminal() {
		state := rec.t.State
		rec.mu.Unlock()
		return Transfer{}, fmt.Errorf("%w: already %s", ErrAlreadyTerminal, state)
	}
	rec.t.State = StateCompleted
	rec.t.FinalPath = finalPath
	rec.t.StateChangedAt = time.Now()
	snapshot := rec.snapshotLocked()
	rec.mu.Unlock()

	if rec.t.Direction == Inbound {
		c.bus.Publish(TopicFileReceiveComplete, CompleteEvent{ID: id, FinalPath: finalPath})
	}
	c.finalize(rec)
	return snapshot, nil
}

// Fail transitions id to failed with reason, emitting file-receive-error
// for inbound transfers or file-send-error for outbound ones.
func (c *Coordinator) Fail(id string, reason error) (Transfer, error) {
	rec, ok := c.registry.get(id)
	if !ok {
		return Transfer{}, ErrNotFound
	}

	rec.mu.Lock()
	if rec.t.State.Terminal() {
		rec.mu.Unlock()
		return Transfer{}, ErrAlreadyTerminal
	}
	rec.t.State = StateFailed
	rec.t.FailureReason = reason.Error()
	rec.t.StateChangedAt = time.Now()
	direction := rec.t.Direction
	snapshot := rec.snapshotLocked()
	rec.mu.Unlock()

	topic := TopicFileSendError
	if direction == Inbound {
		topic = TopicFileReceiveError
	}
	c.bus.Publish(topic, ErrorEvent{ID: id, Reason: reason.Error()})
	c.finalize(rec)
	return snapshot, nil
}

// Cancel transitions id to cancelled if it is not already terminal and
// fires its context, unblocking any in-flight gate wait, body read, or
// outbound request rooted at this transfer.
func (c *Coordinator) Cancel(id string) (Transfer, error) {
	rec, ok := c.registry.get(id)
	if !ok {
		if _, retired := c.Get(id); retired {
			return Transfer{}, ErrAlreadyTerminal
		}
		return Transfer{}, ErrNotFound
	}

	rec.mu.Lock()
	if rec.t.State.Terminal() {
		rec.mu.Unlock()
		return Transfer{}, ErrAlreadyTerminal
	}
	rec.t.State = StateCancelled
	rec.t.StateChangedAt = time.Now()
	snapshot := rec.snapshotLocked()
	rec.mu.Unlock()

	rec.cancel()
	c.finalize(rec)
	return snapshot, nil
}

// Context returns the cancellation context rooted at id, for the Ingest
// Server and Sender to tie body reads/writes to.
func (c *Coordinator) Context(id string) (context.Context, bool) {
	rec, ok := c.registry.get(id)
	if !ok {
		return nil, false
	}
	return rec.ctx, true
}

// Snapshot returns every transfer, active and historical.
func (c *Coordinator) Snapshot() []Transfer {
	return c.registry.snapshot()
}

// Get returns a single transfer's current snapshot, whether it is still
// active or already retired into the history ring.
func (c *Coordinator) Get(id string) (Transfer, bool) {
	rec, ok := c.registry.get(id)
	if !ok {
		history := c.registry.history.list()
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].ID == id {
				return history[i], true
			}
		}
		return Transfer{}, false
	}
	rec.mu.Lock()
	snapshot := rec.snapshotLocked()
	rec.mu.Unlock()
	return snapshot, true
}

// NoteReceivedText publishes an ephemeral text message with no consent
// gate and no registry entry: a text message has no lifecycle to track.
func (c *Coordinator) NoteReceivedText(text models.ReceivedText) {
	c.bus.Publish(TopicMessageReceived, text)
}

func (c *Coordinator) transition(rec *record, state State, failureReason string) {
	rec.mu.Lock()
	rec.t.State = state
	rec.t.StateChangedAt = time.Now()
	if failureReason != "" {
		rec.t.FailureReason = failureReason
	}
	rec.mu.Unlock()
}

// finalize moves a just-terminated transfer out of the hot registry and
// into history, best-effort persisting it without blocking the caller;
// a sink failure is logged, not propagated.
func (c *Coordinator) finalize(rec *record) {
	rec.mu.Lock()
	snapshot := rec.snapshotLocked()
	rec.mu.Unlock()

	c.registry.retire(snapshot.ID, snapshot)
	rec.cancel()

	if c.opts.Sink != nil {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("transfer: history sink panicked for %s: %v", snapshot.ID, r)
				}
			}()
			c.opts.Sink.Record(toRecord(snapshot))
		}()
	}
}

func toRecord(t Transfer) models.TransferRecord {
	return models.TransferRecord{
		ID:               t.ID,
		Direction:        t.Direction.String(),
		Kind:             t.Kind.String(),
		PeerAddress:      t.PeerAddress,
		PeerAlias:        t.PeerAlias,
		FileName:         t.FileName,
		DeclaredSize:     t.DeclaredSize,
		BytesTransferred: t.BytesTransferred,
		State:            t.State.String(),
		FinalPath:        t.FinalPath,
		FailureReason:    t.FailureReason,
		CreatedAt:        t.CreatedAt,
		StateChangedAt:   t.StateChangedAt,
	}
}
