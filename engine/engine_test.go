package engine

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"localshare/config"
	"localshare/eventbus"
	"localshare/ingest"
	"localshare/sender"
	"localshare/transfer"
)

// fakeRefresher lets RefreshPeers be exercised without a real mDNS
// broadcaster/scanner pair.
type fakeRefresher struct {
	calls int
	err   error
}

func (f *fakeRefresher) Refresh(ctx context.Context) error {
	f.calls++
	return f.err
}

func newTestEngine(t *testing.T) (*Engine, *fakeRefresher) {
	t.Helper()

	bus := eventbus.New()
	cfgStore, err := config.Open(t.TempDir(), bus)
	if err != nil {
		t.Fatalf("config.Open: %v", err)
	}

	coordinator := transfer.New(transfer.Options{Bus: bus})

	identityProvider := func() ingest.Identity {
		id := cfgStore.Identity()
		return ingest.Identity{Alias: id.Alias, Fingerprint: id.Fingerprint}
	}
	ingestServer := ingest.New("127.0.0.1:0", t.TempDir(), coordinator, identityProvider)
	if err := ingestServer.Start(); err != nil {
		t.Fatalf("start ingest server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = ingestServer.Stop(ctx)
	})

	senderClient := sender.New(coordinator)
	fr := &fakeRefresher{}

	return New(cfgStore, fr, coordinator, ingestServer, senderClient), fr
}

func hostPort(t *testing.T, addr net.Addr) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		t.Fatalf("split addr %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port %q: %v", portStr, err)
	}
	return host, port
}

// startPeer spins up a second, independent ingest.Server + Coordinator
// standing in for the remote device an Engine sends to.
func startPeer(t *testing.T, consentTimeout time.Duration) (*transfer.Coordinator, string, int) {
	t.Helper()
	coordinator := transfer.New(transfer.Options{ConsentTimeout: consentTimeout})
	identityProvider := func() ingest.Identity {
		return ingest.Identity{Alias: "Peer", Fingerprint: "PEERFP00"}
	}
	srv := ingest.New("127.0.0.1:0", t.TempDir(), coordinator, identityProvider)
	if err := srv.Start(); err != nil {
		t.Fatalf("start peer receiver: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	host, port := hostPort(t, srv.Addr())
	return coordinator, host, port
}

func autoAccept(coordinator *transfer.Coordinator) {
	ch := coordinator.Bus().Subscribe(transfer.TopicFileTransferRequest, eventbus.Lossless, 8)
	go func() {
		for ev := range ch {
			if req, ok := ev.(transfer.TransferRequestEvent); ok {
				_, _ = coordinator.Respond(req.ID, true)
			}
		}
	}()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition was not met before the timeout")
}

func TestGetSettingsReflectsConfig(t *testing.T) {
	e, _ := newTestEngine(t)
	id := e.GetSettings()
	if id.Alias == "" {
		t.Fatalf("expected a non-empty default alias, got %+v", id)
	}
}

func TestSaveSettingsPersistsAndIsVisibleThroughGetSettings(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.SaveSettings("engine-alias", 9001); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}
	id := e.GetSettings()
	if id.Alias != "engine-alias" || id.Port != 9001 {
		t.Fatalf("expected updated identity, got %+v", id)
	}
}

func TestRefreshPeersDelegatesToDiscovery(t *testing.T) {
	e, fr := newTestEngine(t)
	if err := e.RefreshPeers(context.Background()); err != nil {
		t.Fatalf("RefreshPeers failed: %v", err)
	}
	if fr.calls != 1 {
		t.Fatalf("expected discovery.Refresh to be called once, got %d", fr.calls)
	}
}

func TestSendFileToPeerDeliversContent(t *testing.T) {
	e, _ := newTestEngine(t)
	peerCoordinator, host, port := startPeer(t, time.Second)
	autoAccept(peerCoordinator)

	srcPath := filepath.Join(t.TempDir(), "report.txt")
	if err := os.WriteFile(srcPath, []byte("engine file contents"), 0o600); err != nil {
		t.Fatalf("write source file: %v", err)
	}

	result, err := e.SendFileToPeer(context.Background(), host, port, srcPath)
	if err != nil {
		t.Fatalf("SendFileToPeer failed: %v", err)
	}
	if result.State != transfer.StateCompleted {
		t.Fatalf("expected completed, got %s", result.State)
	}
}

func TestSendFileBytesToPeerDeliversContent(t *testing.T) {
	e, _ := newTestEngine(t)
	peerCoordinator, host, port := startPeer(t, time.Second)
	autoAccept(peerCoordinator)

	result, err := e.SendFileBytesToPeer(context.Background(), host, port, "note.txt", []byte("hello from bytes"))
	if err != nil {
		t.Fatalf("SendFileBytesToPeer failed: %v", err)
	}
	if result.State != transfer.StateCompleted {
		t.Fatalf("expected completed, got %s", result.State)
	}
}

func TestSendTextToPeerDeliversContent(t *testing.T) {
	e, _ := newTestEngine(t)
	peerCoordinator, host, port := startPeer(t, time.Second)
	ch := peerCoordinator.Bus().Subscribe(transfer.TopicMessageReceived, eventbus.Lossless, 4)

	result, err := e.SendTextToPeer(context.Background(), host, port, "hi from engine")
	if err != nil {
		t.Fatalf("SendTextToPeer failed: %v", err)
	}
	if result.State != transfer.StateCompleted {
		t.Fatalf("expected completed, got %s", result.State)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a message-received event on the peer")
	}
}

func TestRespondToFileTransferAcceptsAnInboundRequest(t *testing.T) {
	e, _ := newTestEngine(t)
	host, port := hostPort(t, e.ingest.Addr())

	reqCh := e.coordinator.Bus().Subscribe(transfer.TopicFileTransferRequest, eventbus.Lossless, 4)

	senderCoordinator := transfer.New(transfer.Options{})
	client := sender.New(senderCoordinator)

	sendDone := make(chan error, 1)
	go func() {
		_, err := client.SendFileFromBytes(context.Background(), sender.FileMeta{
			PeerAddress: host,
			PeerPort:    port,
			SenderAlias: "Other",
		}, "incoming.txt", []byte("payload"))
		sendDone <- err
	}()

	var id string
	select {
	case ev := <-reqCh:
		req, ok := ev.(transfer.TransferRequestEvent)
		if !ok {
			t.Fatalf("expected TransferRequestEvent, got %T", ev)
		}
		id = req.ID
	case <-time.After(time.Second):
		t.Fatal("expected a file-transfer-request event")
	}

	accepted, err := e.RespondToFileTransfer(id, true)
	if err != nil || !accepted {
		t.Fatalf("RespondToFileTransfer failed: accepted=%v err=%v", accepted, err)
	}

	if err := <-sendDone; err != nil {
		t.Fatalf("sender side failed: %v", err)
	}
}

func TestCancelTransferAbortsAnOutboundSend(t *testing.T) {
	e, _ := newTestEngine(t)
	// A long consent timeout on the peer means nobody answers the request,
	// leaving the transfer registered on e's own coordinator until cancelled.
	_, host, port := startPeer(t, time.Minute)

	sendDone := make(chan error, 1)
	go func() {
		_, err := e.SendFileBytesToPeer(context.Background(), host, port, "slow.txt", []byte("payload"))
		sendDone <- err
	}()

	var id string
	waitFor(t, time.Second, func() bool {
		for _, xf := range e.coordinator.Snapshot() {
			if xf.Direction == transfer.Outbound && xf.FileName == "slow.txt" {
				id = xf.ID
				return true
			}
		}
		return false
	})

	if _, err := e.CancelTransfer(id); err != nil {
		t.Fatalf("CancelTransfer failed: %v", err)
	}

	select {
	case err := <-sendDone:
		if err == nil {
			t.Fatal("expected the outbound send to fail after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the send goroutine to unblock after CancelTransfer")
	}
}
