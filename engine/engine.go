// Package engine exposes the host-side command surface: a small set of
// exported methods an external host process (GUI, CLI, IPC bridge) calls to
// read/change settings, drive discovery, and send or answer transfers.
package engine

import (
	"context"

	"localshare/config"
	"localshare/ingest"
	"localshare/sender"
	"localshare/transfer"
)

// refresher is the one discovery.Service method Engine needs, kept as a
// narrow interface so tests can drive RefreshPeers without a real mDNS
// broadcaster/scanner pair.
type refresher interface {
	Refresh(ctx context.Context) error
}

// Engine is the host-side facade: a small set of exported methods a GUI
// layer invokes, backed by the wired config/discovery/transfer/ingest/
// sender/storage stack.
type Engine struct {
	cfg         *config.Store
	discovery   refresher
	coordinator *transfer.Coordinator
	ingest      *ingest.Server
	sender      *sender.Client
}

// New assembles an Engine from already-started components.
func New(cfg *config.Store, discovery refresher, coordinator *transfer.Coordinator, ingestServer *ingest.Server, senderClient *sender.Client) *Engine {
	return &Engine{
		cfg:         cfg,
		discovery:   discovery,
		coordinator: coordinator,
		ingest:      ingestServer,
		sender:      senderClient,
	}
}

// GetSettings returns the current DeviceIdentity view.
func (e *Engine) GetSettings() config.Identity {
	return e.cfg.Identity()
}

// SaveSettings persists alias/port and republishes config-changed (and, if
// the alias actually changed, alias-changed).
func (e *Engine) SaveSettings(alias string, port int) error {
	return e.cfg.Save(alias, port)
}

// RefreshPeers triggers an immediate Discovery refresh round.
func (e *Engine) RefreshPeers(ctx context.Context) error {
	return e.discovery.Refresh(ctx)
}

// SendFileToPeer streams a file on disk to a peer.
func (e *Engine) SendFileToPeer(ctx context.Context, addr string, port int, path string) (transfer.Transfer, error) {
	return e.sender.SendFileFromPath(ctx, sender.FileMeta{
		PeerAddress: addr,
		PeerPort:    port,
		SenderAlias: e.cfg.Identity().Alias,
	}, path)
}

// SendFileBytesToPeer streams an in-memory blob to a peer.
func (e *Engine) SendFileBytesToPeer(ctx context.Context, addr string, port int, name string, content []byte) (transfer.Transfer, error) {
	return e.sender.SendFileFromBytes(ctx, sender.FileMeta{
		PeerAddress: addr,
		PeerPort:    port,
		SenderAlias: e.cfg.Identity().Alias,
	}, name, content)
}

// SendTextToPeer delivers a text message to a peer.
func (e *Engine) SendTextToPeer(ctx context.Context, addr string, port int, content string) (transfer.Transfer, error) {
	return e.sender.SendText(ctx, sender.FileMeta{
		PeerAddress: addr,
		PeerPort:    port,
		SenderAlias: e.cfg.Identity().Alias,
	}, content)
}

// RespondToFileTransfer answers an inbound transfer's consent gate.
func (e *Engine) RespondToFileTransfer(id string, accepted bool) (bool, error) {
	return e.coordinator.Respond(id, accepted)
}

// CancelTransfer cancels a transfer in either direction.
func (e *Engine) CancelTransfer(id string) (transfer.Transfer, error) {
	return e.coordinator.Cancel(id)
}
