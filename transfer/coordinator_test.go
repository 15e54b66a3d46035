package transfer

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"localshare/eventbus"
	"localshare/models"
)

func newTestCoordinator(t *testing.T, consentTimeout time.Duration) (*Coordinator, int32) {
	t.Helper()
	var counter int32
	opts := Options{
		ConsentTimeout:   consentTimeout,
		ProgressInterval: 10 * time.Millisecond,
		ProgressBytes:    1 << 10,
		newID: func() string {
			n := atomic.AddInt32(&counter, 1)
			return "id-" + string(rune('a'+n-1))
		},
	}
	return New(opts), counter
}

func drain(ch <-chan any, timeout time.Duration) (any, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-time.After(timeout):
		return nil, false
	}
}

func TestRegisterInboundEmitsTransferRequest(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Second)
	ch := c.Bus().Subscribe(TopicFileTransferRequest, eventbus.Lossless, 4)

	id := c.RegisterInbound(InboundMeta{PeerAddress: "10.0.0.2", PeerAlias: "Bob", FileName: "report.pdf", DeclaredSize: 1024})

	xf, ok := c.Get(id)
	if !ok || xf.State != StatePendingConsent {
		t.Fatalf("expected pending_consent, got %+v ok=%v", xf, ok)
	}

	event, ok := drain(ch, time.Second)
	if !ok {
		t.Fatalf("expected file-transfer-request event")
	}
	req, ok := event.(TransferRequestEvent)
	if !ok || req.ID != id || req.FileName != "report.pdf" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestRespondAcceptThenBeginStreamingThenComplete(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Second)
	id := c.RegisterInbound(InboundMeta{FileName: "a.bin", DeclaredSize: 100})

	ok, err := c.Respond(id, true)
	if err != nil || !ok {
		t.Fatalf("Respond failed: ok=%v err=%v", ok, err)
	}

	xf, _ := c.Get(id)
	if xf.State != StateAccepted {
		t.Fatalf("expected accepted, got %s", xf.State)
	}
	if xf.TempPath != "" {
		t.Fatalf("accepted transfer must not yet own a temp_path, got %q", xf.TempPath)
	}

	snapshot, err := c.BeginStreaming(id, "/downloads/a.bin.part-"+id)
	if err != nil {
		t.Fatalf("BeginStreaming failed: %v", err)
	}
	if snapshot.State != StateStreaming || snapshot.TempPath == "" {
		t.Fatalf("streaming transfer must own a temp_path, got %+v", snapshot)
	}

	c.NoteProgress(id, 100)
	final, err := c.Complete(id, "/downloads/a.bin")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if final.State != StateCompleted || final.FinalPath != "/downloads/a.bin" {
		t.Fatalf("unexpected final transfer: %+v", final)
	}

	if _, ok := c.registry.get(id); ok {
		t.Fatalf("completed transfer should have been retired from the active map")
	}
	found := false
	for _, xf := range c.Snapshot() {
		if xf.ID == id && xf.State == StateCompleted {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected completed transfer in Snapshot()")
	}
}

func TestRespondAtMostOnce(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Second)
	id := c.RegisterInbound(InboundMeta{FileName: "x"})

	ok1, err := c.Respond(id, true)
	if err != nil || !ok1 {
		t.Fatalf("first respond should succeed: ok=%v err=%v", ok1, err)
	}
	ok2, err := c.Respond(id, false)
	if err != nil {
		t.Fatalf("second respond errored: %v", err)
	}
	if ok2 {
		t.Fatalf("second respond must be a no-op (at-most-one-consent property)")
	}

	xf, _ := c.Get(id)
	if xf.State != StateAccepted {
		t.Fatalf("state must reflect the first decision only, got %s", xf.State)
	}
}

func TestConsentTimeoutUpperBound(t *testing.T) {
	c, _ := newTestCoordinator(t, 100*time.Millisecond)
	ch := c.Bus().Subscribe(TopicFileTransferTimeout, eventbus.Lossless, 1)

	start := time.Now()
	id := c.RegisterInbound(InboundMeta{FileName: "never-answered"})

	state, err := c.AwaitConsent(id)
	if err != nil {
		t.Fatalf("AwaitConsent failed: %v", err)
	}
	elapsed := time.Since(start)
	if state != StateTimedOut {
		t.Fatalf("expected timed_out, got %s", state)
	}
	if elapsed < 100*time.Millisecond-50*time.Millisecond || elapsed > 100*time.Millisecond+500*time.Millisecond {
		t.Fatalf("timeout fired outside the expected bound: %s", elapsed)
	}

	if _, ok := drain(ch, time.Second); !ok {
		t.Fatalf("expected file-transfer-timeout event")
	}
	if ok, _ := c.Respond(id, true); ok {
		t.Fatalf("respond after timeout must be a no-op")
	}
}

func TestRejectLeavesNoTempPathAndEmitsRejected(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Second)
	ch := c.Bus().Subscribe(TopicFileTransferRejected, eventbus.Lossless, 1)

	id := c.RegisterInbound(InboundMeta{FileName: "no.bin"})
	ok, err := c.Respond(id, false)
	if err != nil || !ok {
		t.Fatalf("Respond(false) failed: ok=%v err=%v", ok, err)
	}

	xf, _ := c.Get(id)
	if xf.State != StateRejected || xf.TempPath != "" {
		t.Fatalf("unexpected post-reject transfer: %+v", xf)
	}

	if _, ok := drain(ch, time.Second); !ok {
		t.Fatalf("expected file-transfer-rejected event")
	}
}

func TestCancelMidStreamFiresContextAndRetires(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Second)
	id := c.RegisterInbound(InboundMeta{FileName: "big.bin", DeclaredSize: 100 << 20})
	if ok, err := c.Respond(id, true); err != nil || !ok {
		t.Fatalf("respond failed: %v %v", ok, err)
	}
	if _, err := c.BeginStreaming(id, "/downloads/big.bin.part-"+id); err != nil {
		t.Fatalf("BeginStreaming failed: %v", err)
	}
	c.NoteProgress(id, 50<<20)

	ctx, ok := c.Context(id)
	if !ok {
		t.Fatalf("expected a context for %s", id)
	}

	final, err := c.Cancel(id)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if final.State != StateCancelled {
		t.Fatalf("expected cancelled, got %s", final.State)
	}

	select {
	case <-ctx.Done():
	default:
		t.Fatalf("expected transfer context to be cancelled")
	}

	if _, err := c.Cancel(id); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal on double-cancel, got %v", err)
	}
}

func TestFailRoutesToDirectionSpecificTopic(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Second)
	inboundErrCh := c.Bus().Subscribe(TopicFileReceiveError, eventbus.Lossless, 1)
	sendErrCh := c.Bus().Subscribe(TopicFileSendError, eventbus.Lossless, 1)

	inID := c.RegisterInbound(InboundMeta{FileName: "a"})
	if _, err := c.Fail(inID, ErrStorage); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if _, ok := drain(inboundErrCh, time.Second); !ok {
		t.Fatalf("expected file-receive-error for inbound failure")
	}

	outID := c.RegisterOutbound(OutboundMeta{FileName: "b", Kind: KindFile})
	if _, err := c.Fail(outID, ErrNetwork); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if _, ok := drain(sendErrCh, time.Second); !ok {
		t.Fatalf("expected file-send-error for outbound failure")
	}
}

func TestNoteProgressIsMonotonicAndThrottled(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Second)
	ch := c.Bus().Subscribe(TopicTransferProgress, eventbus.Lossy, 8)

	id := c.RegisterInbound(InboundMeta{FileName: "a", DeclaredSize: 1 << 20})
	c.Respond(id, true)
	c.BeginStreaming(id, "/tmp/a.part-"+id)

	c.NoteProgress(id, 512)
	if _, ok := drain(ch, 200*time.Millisecond); !ok {
		t.Fatalf("expected first progress event to emit immediately")
	}

	c.NoteProgress(id, 100) // regression, must be ignored
	xf, _ := c.Get(id)
	if xf.BytesTransferred != 512 {
		t.Fatalf("expected bytes_transferred to stay monotonic, got %d", xf.BytesTransferred)
	}

	c.NoteProgress(id, 600)
	xf, _ = c.Get(id)
	if xf.BytesTransferred != 600 {
		t.Fatalf("expected progress to advance to 600, got %d", xf.BytesTransferred)
	}
}

func TestNoteReceivedTextPublishesWithoutRegistryEntry(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Second)
	ch := c.Bus().Subscribe(TopicMessageReceived, eventbus.Lossless, 1)

	c.NoteReceivedText(models.ReceivedText{SenderAlias: "Alice", Content: "hi", Timestamp: time.Now()})

	event, ok := drain(ch, time.Second)
	if !ok {
		t.Fatalf("expected message-received event")
	}
	text, ok := event.(models.ReceivedText)
	if !ok || text.Content != "hi" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if len(c.Snapshot()) != 0 {
		t.Fatalf("text messages must not create a registry entry")
	}
}
