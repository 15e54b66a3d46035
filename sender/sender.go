// Package sender implements the Outbound Sender: the client
// side of the wire protocol the Ingest Server exposes. A plain http.Client
// is constructed once and reused across sends, with the wire format being
// HTTP rather than a custom framed protocol.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"localshare/transfer"
)

// responseHeaderTimeout bounds how long the sender waits for status and
// headers — the window the remote's consent gate occupies.
const responseHeaderTimeout = 30 * time.Second

// keepAlive is the dead-socket heartbeat on the underlying TCP connection;
// body transfer itself has no idle timeout.
const keepAlive = 60 * time.Second

const senderAliasHeader = "X-LocalShare-Sender-Alias"

// transferIDHeader carries the id the sender already assigned to this
// transfer, so the receiver registers its inbound record under the same
// id instead of minting its own. This is what lets a later sender-issued
// POST /api/localshare/cancel/{id} address the right transfer on the
// receiver's side. Mirrors ingest's own copy of this constant; the two
// packages do not import each other.
const transferIDHeader = "X-LocalShare-Transfer-Id"

// infoHandshakeTimeout bounds the GET /api/localshare/info round trip used
// to resolve a peer's real display alias before registering an outbound
// transfer.
const infoHandshakeTimeout = 5 * time.Second

// FileMeta describes a peer-bound file send, common to both
// SendFileFromPath and SendFileFromBytes.
type FileMeta struct {
	PeerAddress string
	PeerPort    int
	SenderAlias string

	// PeerAlias is the remote peer's own display alias, e.g. known from a
	// discovery.Peer lookup. If empty, the sender resolves it itself via
	// GET /api/localshare/info before registering the outbound transfer.
	PeerAlias string
}

// Client is a reusable outbound sender bound to one transfer.Coordinator;
// the local sender alias is supplied per call in FileMeta. One Client is
// shared across all outbound sends,
// keeping a single long-lived *http.Client per process.
type Client struct {
	httpClient  *http.Client
	coordinator *transfer.Coordinator
}

// New builds a Client whose transport streams request bodies without
// buffering and applies the timeout model below.
func New(coordinator *transfer.Coordinator) *Client {
	dialer := &net.Dialer{KeepAlive: keepAlive}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: responseHeaderTimeout,
		// No Timeout field: once headers arrive the body phase is unbounded —
		// there is no idle timeout during body transfer.
	}
	return &Client{
		httpClient:  &http.Client{Transport: transport},
		coordinator: coordinator,
	}
}

func targetURL(meta FileMeta, path string) string {
	return fmt.Sprintf("http://%s%s", net.JoinHostPort(meta.PeerAddress, portString(meta.PeerPort)), path)
}

func portString(port int) string {
	return fmt.Sprintf("%d", port)
}

// peerInfoResponse mirrors ingest's GET /api/localshare/info JSON body.
type peerInfoResponse struct {
	Alias       string `json:"alias"`
	Fingerprint string `json:"fingerprint"`
	Version     int    `json:"version"`
}

// resolvePeerAlias returns meta.PeerAlias if the caller already supplied
// it (e.g. from a discovery.Peer lookup), otherwise queries the peer's own
// /info endpoint for its display alias. A handshake failure is non-fatal:
// the peer's address stands in for its alias rather than aborting the send.
func (c *Client) resolvePeerAlias(ctx context.Context, meta FileMeta) string {
	if meta.PeerAlias != "" {
		return meta.PeerAlias
	}

	hctx, cancel := context.WithTimeout(ctx, infoHandshakeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(hctx, http.MethodGet, targetURL(meta, "/api/localshare/info"), nil)
	if err != nil {
		return meta.PeerAddress
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("sender: info handshake with %s failed: %v", meta.PeerAddress, err)
		return meta.PeerAddress
	}
	defer resp.Body.Close()

	var info peerInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil || info.Alias == "" {
		return meta.PeerAddress
	}
	return info.Alias
}

// notifyRemoteCancel posts the spec-mandated cancel endpoint to the peer so
// it transitions its own copy of the transfer to cancelled instead of
// reading a severed connection as a network failure. Best-effort: failures
// are logged, never surfaced — the local cancellation has already happened.
func (c *Client) notifyRemoteCancel(meta FileMeta, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), infoHandshakeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL(meta, "/api/localshare/cancel/"+id), nil)
	if err != nil {
		log.Printf("sender: build cancel request for %s: %v", id, err)
		return
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("sender: notify remote cancel for %s: %v", id, err)
		return
	}
	_ = resp.Body.Close()
}

// SendFileFromPath opens the file at path, declares file_name from its
// trailing path segment, and streams it to the peer.
func (c *Client) SendFileFromPath(ctx context.Context, meta FileMeta, path string) (transfer.Transfer, error) {
	file, err := os.Open(path)
	if err != nil {
		return transfer.Transfer{}, fmt.Errorf("%w: open %q: %v", transfer.ErrStorage, path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return transfer.Transfer{}, fmt.Errorf("%w: stat %q: %v", transfer.ErrStorage, path, err)
	}

	return c.sendFile(ctx, meta, filepath.Base(path), info.Size(), file)
}

// SendFileFromBytes sends a blob the caller already holds in memory (the
// mobile content-URI case).
func (c *Client) SendFileFromBytes(ctx context.Context, meta FileMeta, name string, content []byte) (transfer.Transfer, error) {
	return c.sendFile(ctx, meta, name, int64(len(content)), bytes.NewReader(content))
}

func (c *Client) sendFile(ctx context.Context, meta FileMeta, fileName string, size int64, content io.Reader) (transfer.Transfer, error) {
	peerAlias := c.resolvePeerAlias(ctx, meta)
	id := c.coordinator.RegisterOutbound(transfer.OutboundMeta{
		PeerAddress:  meta.PeerAddress,
		PeerAlias:    peerAlias,
		Kind:         transfer.KindFile,
		FileName:     fileName,
		DeclaredSize: size,
	})

	transferCtx, ok := c.coordinator.Context(id)
	if !ok {
		return transfer.Transfer{}, transfer.ErrNotFound
	}
	ctx, cancel := mergeDone(ctx, transferCtx, func() {
		c.notifyRemoteCancel(meta, id)
	})
	defer cancel()

	bodyReader, bodyWriter := io.Pipe()
	mpWriter := multipart.NewWriter(bodyWriter)

	go func() {
		part, err := mpWriter.CreateFormFile("file", fileName)
		if err != nil {
			_ = bodyWriter.CloseWithError(err)
			return
		}
		counting := &countingReader{r: content, onRead: func(n int64) {
			c.coordinator.NoteProgress(id, n)
		}}
		if _, err := io.Copy(part, counting); err != nil {
			_ = bodyWriter.CloseWithError(err)
			return
		}
		if err := mpWriter.Close(); err != nil {
			_ = bodyWriter.CloseWithError(err)
			return
		}
		_ = bodyWriter.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL(meta, "/api/localshare/send-file"), bodyReader)
	if err != nil {
		return c.failSend(id, fmt.Errorf("%w: build request: %v", transfer.ErrNetwork, err))
	}
	req.Header.Set("Content-Type", mpWriter.FormDataContentType())
	req.Header.Set(senderAliasHeader, meta.SenderAlias)
	req.Header.Set(transferIDHeader, id)
	req.ContentLength = -1 // piped multipart body: length unknown until the writer goroutine finishes

	log.Printf("sender: sending file %q (%d bytes) to %s", fileName, size, meta.PeerAddress)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return c.cancelSend(id)
		}
		return c.failSend(id, fmt.Errorf("%w: %v", transfer.ErrNetwork, err))
	}
	defer resp.Body.Close()

	return c.handleFileResponse(id, resp)
}

func (c *Client) handleFileResponse(id string, resp *http.Response) (transfer.Transfer, error) {
	switch resp.StatusCode {
	case http.StatusOK:
		t, err := c.coordinator.Complete(id, "")
		if err != nil {
			return transfer.Transfer{}, err
		}
		log.Printf("sender: transfer %s completed", id)
		return t, nil
	case http.StatusForbidden:
		t, err := c.coordinator.RejectOutbound(id)
		if err != nil {
			return transfer.Transfer{}, err
		}
		log.Printf("sender: transfer %s rejected by receiver", id)
		return t, transfer.ErrConsentRejected
	case http.StatusRequestTimeout:
		t, err := c.coordinator.TimeoutOutbound(id)
		if err != nil {
			return transfer.Transfer{}, err
		}
		log.Printf("sender: transfer %s timed out waiting for consent", id)
		return t, transfer.ErrConsentTimedOut
	case statusReceiverCancelled:
		return c.cancelSend(id)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return c.failSend(id, fmt.Errorf("%w: remote status %d: %s", transfer.ErrNetwork, resp.StatusCode, string(body)))
	}
}

// statusReceiverCancelled mirrors ingest.statusReceiverCancelled; the two
// packages do not import each other, so the constant is duplicated here.
const statusReceiverCancelled = 499

func (c *Client) failSend(id string, reason error) (transfer.Transfer, error) {
	t, err := c.coordinator.Fail(id, reason)
	if err != nil {
		return transfer.Transfer{}, err
	}
	return t, reason
}

func (c *Client) cancelSend(id string) (transfer.Transfer, error) {
	t, err := c.coordinator.Cancel(id)
	if errors.Is(err, transfer.ErrAlreadyTerminal) {
		// A local Cancel already moved the transfer to cancelled.
		if prior, ok := c.coordinator.Get(id); ok && prior.State == transfer.StateCancelled {
			return prior, transfer.ErrCancelled
		}
	}
	if err != nil {
		return transfer.Transfer{}, err
	}
	return t, transfer.ErrCancelled
}

// textRequest mirrors ingest's sendTextRequest wire shape.
type textRequest struct {
	SenderAlias string `json:"sender_alias"`
	Content     string `json:"content"`
}

// SendText delivers content in a single POST, no streaming.
func (c *Client) SendText(ctx context.Context, meta FileMeta, content string) (transfer.Transfer, error) {
	peerAlias := c.resolvePeerAlias(ctx, meta)
	id := c.coordinator.RegisterOutbound(transfer.OutboundMeta{
		PeerAddress:  meta.PeerAddress,
		PeerAlias:    peerAlias,
		Kind:         transfer.KindText,
		DeclaredSize: int64(len(content)),
	})

	payload, err := json.Marshal(textRequest{SenderAlias: meta.SenderAlias, Content: content})
	if err != nil {
		return c.failSend(id, fmt.Errorf("%w: encode request: %v", transfer.ErrProtocol, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL(meta, "/api/localshare/send-text"), bytes.NewReader(payload))
	if err != nil {
		return c.failSend(id, fmt.Errorf("%w: build request: %v", transfer.ErrNetwork, err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.failSend(id, fmt.Errorf("%w: %v", transfer.ErrNetwork, err))
	}
	defer resp.Body.Close()

	c.coordinator.NoteProgress(id, int64(len(content)))

	switch resp.StatusCode {
	case http.StatusOK:
		return c.coordinator.Complete(id, "")
	case http.StatusRequestEntityTooLarge:
		return c.failSend(id, fmt.Errorf("%w: content exceeds 64 KiB cap", transfer.ErrProtocol))
	default:
		return c.failSend(id, fmt.Errorf("%w: remote status %d", transfer.ErrNetwork, resp.StatusCode))
	}
}

// countingReader reports cumulative bytes read through onRead, firing on
// every Read so progress tracks the underlying stream rather than any
// fixed protocol chunk size.
type countingReader struct {
	r      io.Reader
	total  int64
	onRead func(total int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.total += int64(n)
		c.onRead(c.total)
	}
	return n, err
}

// mergeDone derives a context that is cancelled when either parent or
// transferCtx (the Coordinator's per-transfer cancellation token) is done,
// so cancel(id) severs an in-flight HTTP request. When transferCtx fires
// first, onTransferCancel runs before the request is torn down, giving the
// remote-cancel notification a chance to reach the peer ahead of the local
// connection closing.
func mergeDone(parent, transferCtx context.Context, onTransferCancel func()) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := make(chan struct{})
	go func() {
		select {
		case <-transferCtx.Done():
			if onTransferCancel != nil {
				onTransferCancel()
			}
			cancel()
		case <-stop:
		}
	}()
	return ctx, func() {
		close(stop)
		cancel()
	}
}
