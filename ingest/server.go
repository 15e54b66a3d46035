// Package ingest implements the HTTP server that accepts inbound transfers
// and text messages. It stays on net/http rather than a
// third-party router or framework: the defining requirement here is
// streaming a request body that may be multiple gigabytes without
// buffering it, and multipart.Reader.NextPart already does exactly that —
// see DESIGN.md for why no third-party framework replaces it. Route
// dispatch and the per-request goroutine model mirror a plain accept-loop
// server (one listener, one error-report channel, one goroutine per
// connection), generalized from a single TCP accept loop to one net/http
// handler per endpoint.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"localshare/models"
	"localshare/transfer"
)

// MaxTextContentBytes caps send-text bodies at 64 KiB of content.
const MaxTextContentBytes = 64 * 1024

// maxTextRequestBytes bounds the whole JSON body, leaving slack for the
// envelope around the capped content field.
const maxTextRequestBytes = MaxTextContentBytes + 4096

// copyChunkSize is the read/write granularity for streamed file bodies;
// progress is reported after every chunk, subject to further throttling
// before it is actually published.
const copyChunkSize = 32 * 1024

// senderAliasHeader carries the sender's display alias.
const senderAliasHeader = "X-LocalShare-Sender-Alias"

// transferIDHeader carries the id the sender already assigned to this
// transfer, so RegisterInbound reuses it instead of minting a new one.
// Mirrors sender's own copy of this constant; the two packages do not
// import each other.
const transferIDHeader = "X-LocalShare-Transfer-Id"

// Identity is the minimal view of this device's identity returned by
// GET /api/localshare/info.
type Identity struct {
	Alias       string
	Fingerprint string
}

// IdentityProvider supplies the current Identity, e.g. config.Store.Identity.
type IdentityProvider func() Identity

// ProtocolVersion is the integer reported by GET /api/localshare/info and
// advertised over mDNS.
const ProtocolVersion = 1

// Server is the Ingest Server: an HTTP server bound to the
// configured listen port on all interfaces, coordinating with a
// transfer.Coordinator to gate writes on consent and stream bodies to disk.
type Server struct {
	coordinator *transfer.Coordinator
	identity    IdentityProvider
	downloadDir string

	httpServer *http.Server
	listener   net.Listener

	errs chan error
}

// New constructs a Server bound to addr (":{port}" form) serving out of
// downloadDir. It does not start listening until Start is called.
func New(addr, downloadDir string, coordinator *transfer.Coordinator, identity IdentityProvider) *Server {
	s := &Server{
		coordinator: coordinator,
		identity:    identity,
		downloadDir: downloadDir,
		errs:        make(chan error, 4),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/localshare/send-file", s.handleSendFile)
	mux.HandleFunc("POST /api/localshare/send-text", s.handleSendText)
	mux.HandleFunc("GET /api/localshare/info", s.handleInfo)
	mux.HandleFunc("POST /api/localshare/cancel/{id}", s.handleCancel)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("ingest: listen on %q: %w", s.httpServer.Addr, err)
	}
	s.listener = listener

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case s.errs <- err:
			default:
			}
		}
	}()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Errors reports asynchronous serve failures.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	id := s.identity()
	writeJSON(w, http.StatusOK, map[string]any{
		"alias":       id.Alias,
		"fingerprint": id.Fingerprint,
		"version":     ProtocolVersion,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.coordinator.Cancel(id); err != nil {
		if errors.Is(err, transfer.ErrNotFound) || errors.Is(err, transfer.ErrAlreadyTerminal) {
			http.Error(w, "not found or already terminal", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type sendTextRequest struct {
	SenderAlias string `json:"sender_alias"`
	Content     string `json:"content"`
}

func (s *Server) handleSendText(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxTextRequestBytes)

	var req sendTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			http.Error(w, "content too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, fmt.Sprintf("%v: malformed request", transfer.ErrProtocol), http.StatusBadRequest)
		return
	}
	if len(req.Content) > MaxTextContentBytes {
		http.Error(w, "content too large", http.StatusRequestEntityTooLarge)
		return
	}

	s.coordinator.NoteReceivedText(models.ReceivedText{
		SenderAlias: req.SenderAlias,
		Content:     req.Content,
		Timestamp:   time.Now(),
	})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSendFile(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		http.Error(w, fmt.Sprintf("%v: expected multipart/form-data", transfer.ErrProtocol), http.StatusBadRequest)
		return
	}

	reader, err := r.MultipartReader()
	if err != nil {
		http.Error(w, fmt.Sprintf("%v: %v", transfer.ErrProtocol, err), http.StatusBadRequest)
		return
	}

	part, err := reader.NextPart()
	if err != nil || part.FormName() == "" || part.FileName() == "" {
		http.Error(w, fmt.Sprintf("%v: missing file part", transfer.ErrProtocol), http.StatusBadRequest)
		return
	}
	defer part.Close()

	declaredSize := transfer.UnknownSize
	if cl := r.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			declaredSize = n
		}
	}

	sample := make([]byte, sniffSample)
	n, _ := io.ReadFull(part, sample)
	sample = sample[:n]

	finalName := finalFileName(part.FileName(), sample)
	peerAlias := r.Header.Get(senderAliasHeader)
	peerAddress := hostOnly(r.RemoteAddr)

	id := s.coordinator.RegisterInbound(transfer.InboundMeta{
		PeerAddress:  peerAddress,
		PeerAlias:    peerAlias,
		FileName:     finalName,
		DeclaredSize: declaredSize,
		ContentType:  part.Header.Get("Content-Type"),
		ID:           r.Header.Get(transferIDHeader),
	})

	state, err := s.coordinator.AwaitConsent(id)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	switch state {
	case transfer.StateRejected:
		http.Error(w, "receiver rejected the transfer", http.StatusForbidden)
		return
	case transfer.StateTimedOut:
		http.Error(w, "receiver did not respond in time", http.StatusRequestTimeout)
		return
	case transfer.StateCancelled:
		http.Error(w, "transfer cancelled", statusReceiverCancelled)
		return
	case transfer.StateAccepted:
		// fall through to streaming below
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.streamToDisk(w, id, finalName, sample, part)
}

// statusReceiverCancelled is the non-standard 499 status this server
// assigns to receiver-side cancellation (nginx's convention for
// client-closed requests, repurposed here for the symmetric
// receiver-initiated case).
const statusReceiverCancelled = 499

func (s *Server) streamToDisk(w http.ResponseWriter, id, finalName string, firstChunk []byte, body io.Reader) {
	ctx, ok := s.coordinator.Context(id)
	if !ok {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	tempPath := tempFilePath(s.downloadDir, finalName, id)
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		s.failAndRespond(w, id, fmt.Errorf("%w: open temp file: %v", transfer.ErrStorage, err), http.StatusInternalServerError)
		return
	}

	if _, err := s.coordinator.BeginStreaming(id, tempPath); err != nil {
		_ = file.Close()
		_ = os.Remove(tempPath)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var written int64
	cleanup := func() {
		_ = file.Close()
		_ = os.Remove(tempPath)
	}

	if len(firstChunk) > 0 {
		if _, err := file.Write(firstChunk); err != nil {
			cleanup()
			s.failAndRespond(w, id, fmt.Errorf("%w: %v", transfer.ErrStorage, err), http.StatusInternalServerError)
			return
		}
		written += int64(len(firstChunk))
		s.coordinator.NoteProgress(id, written)
	}

	buf := make([]byte, copyChunkSize)
	for {
		select {
		case <-ctx.Done():
			cleanup()
			http.Error(w, "transfer cancelled", statusReceiverCancelled)
			return
		default:
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := file.Write(buf[:n]); writeErr != nil {
				cleanup()
				s.failAndRespond(w, id, fmt.Errorf("%w: %v", transfer.ErrStorage, writeErr), http.StatusInternalServerError)
				return
			}
			written += int64(n)
			s.coordinator.NoteProgress(id, written)
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			cleanup()
			if ctx.Err() != nil {
				// The transfer's own context already fired — either a local
				// Cancel or a sender-issued POST /cancel/{id} — so the read
				// error is that cancellation severing the connection, not an
				// independent network failure. The state is already
				// cancelled; just report it.
				http.Error(w, "transfer cancelled", statusReceiverCancelled)
				return
			}
			s.failAndRespond(w, id, fmt.Errorf("%w: %v", transfer.ErrNetwork, readErr), http.StatusInternalServerError)
			return
		}
	}

	_ = file.Sync()
	if err := file.Close(); err != nil {
		_ = os.Remove(tempPath)
		s.failAndRespond(w, id, fmt.Errorf("%w: close: %v", transfer.ErrStorage, err), http.StatusInternalServerError)
		return
	}

	finalPath, err := resolveFinalPath(tempPath, s.downloadDir, finalName)
	if err != nil {
		_ = os.Remove(tempPath)
		s.failAndRespond(w, id, fmt.Errorf("%w: finalise: %v", transfer.ErrStorage, err), http.StatusInternalServerError)
		return
	}

	if _, err := s.coordinator.Complete(id, finalPath); err != nil {
		log.Printf("ingest: complete(%s) after successful write: %v", id, err)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) failAndRespond(w http.ResponseWriter, id string, reason error, status int) {
	if _, err := s.coordinator.Fail(id, reason); err != nil {
		log.Printf("ingest: fail(%s): %v", id, err)
	}
	http.Error(w, reason.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func hostOnly(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
