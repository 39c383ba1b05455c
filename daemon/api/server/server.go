// Package server implements the control API's HTTP surface: creating and
// ending capture sessions, submitting segments, polling status, and
// streaming lifecycle events over SSE. Grounded on the teacher's
// daemon/api/server/server.go (gRPC-server-plus-native-HTTP-fallback
// wiring, JSON request/response types, SSE handler shape), retargeted from
// TransferService/SessionStore onto session.Manager/events.Publisher.
package server

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/witnessvault/core/internal/events"
	"github.com/witnessvault/core/internal/manifest"
	"github.com/witnessvault/core/internal/ratelimit"
	"github.com/witnessvault/core/internal/session"
	"github.com/witnessvault/core/internal/validation"
)

// HTTP contract types.

type (
	CreateSessionRequest struct {
		GroupIDs []string `json:"group_ids"`
		Metadata map[string]string `json:"metadata,omitempty"`
	}
	CreateSessionResponse struct {
		SessionID string `json:"session_id"`
	}

	SubmitSegmentRequest struct {
		Data       string `json:"data"` // base64-encoded plaintext
		CapturedAt uint64 `json:"captured_at"`
	}
	SubmitSegmentResponse struct {
		SegmentIndex uint32 `json:"segment_index"`
	}

	EndSessionResponse struct {
		SessionID   string        `json:"session_id"`
		MerkleRoot  string        `json:"merkle_root"`
		ManifestRef ManifestJSON  `json:"manifest"`
	}

	GetSessionStatusResponse struct {
		SessionID string `json:"session_id"`
		Status    string `json:"status"`
	}

	VerifySegmentResponse struct {
		SessionID    string `json:"session_id"`
		SegmentIndex uint32 `json:"segment_index"`
		Valid        bool   `json:"valid"`
	}

	ManifestJSON struct {
		Version    string             `json:"version"`
		SessionID  string             `json:"session_id"`
		Uploader   string             `json:"uploader"`
		GroupIDs   []string           `json:"group_ids"`
		MerkleRoot string             `json:"merkle_root"`
		Segments   []SegmentJSON      `json:"segments"`
	}
	SegmentJSON struct {
		Index         uint32 `json:"index"`
		ObjectID      string `json:"object_id"`
		Size          uint64 `json:"size"`
		PlaintextHash string `json:"plaintext_hash"`
		EncryptedHash string `json:"encrypted_hash"`
		CapturedAt    uint64 `json:"captured_at"`
		UploadedAt    uint64 `json:"uploaded_at"`
	}
)

// DaemonAPIServer wires the session manager to HTTP handlers.
type DaemonAPIServer struct {
	sessions *session.Manager
	events   *events.Publisher
	signer   manifest.Signer
	uploader [20]byte
	createLimiter *ratelimit.Limiter
}

func NewDaemonAPIServer(mgr *session.Manager, pub *events.Publisher, signer manifest.Signer, uploader [20]byte, createLimiter *ratelimit.Limiter) *DaemonAPIServer {
	return &DaemonAPIServer{sessions: mgr, events: pub, signer: signer, uploader: uploader, createLimiter: createLimiter}
}

// RegisterHTTP registers REST routes on mux.
func (s *DaemonAPIServer) RegisterHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/session/create", s.handleCreateSession)
	mux.HandleFunc("/api/v1/session/", s.handleSessionPrefix)
}

func (s *DaemonAPIServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.createLimiter != nil && !s.createLimiter.Allow(1) {
		writeJSONError(w, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "session creation rate limit exceeded")
		return
	}
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body")
		return
	}
	if len(req.GroupIDs) == 0 {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "at least one group_id is required")
		return
	}
	groupIDs := make([][32]byte, len(req.GroupIDs))
	for i, g := range req.GroupIDs {
		raw, err := validation.ValidateHexID(g, 32)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "group_ids must be 32-byte hex strings")
			return
		}
		copy(groupIDs[i][:], raw)
	}

	sessionID, err := s.sessions.Create(r.Context(), session.CreateParams{
		GroupIDs: groupIDs,
		Uploader: s.uploader,
		Signer:   s.signer,
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, &CreateSessionResponse{SessionID: hex.EncodeToString(sessionID[:])})
}

func (s *DaemonAPIServer) handleSessionPrefix(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/session/"), "/")
	if len(parts) < 2 {
		http.NotFound(w, r)
		return
	}
	sessionID, err := parseSessionID(parts[0])
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "malformed session_id")
		return
	}
	switch parts[1] {
	case "segment":
		s.handleSubmitSegment(w, r, sessionID)
	case "end":
		s.handleEndSession(w, r, sessionID)
	case "status":
		s.handleGetStatus(w, r, sessionID)
	case "verify":
		s.handleVerifySegment(w, r, sessionID)
	default:
		http.NotFound(w, r)
	}
}

func (s *DaemonAPIServer) handleSubmitSegment(w http.ResponseWriter, r *http.Request, sessionID [16]byte) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var req SubmitSegmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body")
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "data must be base64-encoded")
		return
	}
	index, err := s.sessions.ProcessChunk(r.Context(), sessionID, data, req.CapturedAt)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, &SubmitSegmentResponse{SegmentIndex: index})
}

func (s *DaemonAPIServer) handleEndSession(w http.ResponseWriter, r *http.Request, sessionID [16]byte) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	m, err := s.sessions.End(r.Context(), sessionID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, &EndSessionResponse{
		SessionID:   hex.EncodeToString(sessionID[:]),
		MerkleRoot:  hex.EncodeToString(m.MerkleRoot[:]),
		ManifestRef: toHTTPManifest(m),
	})
}

func (s *DaemonAPIServer) handleGetStatus(w http.ResponseWriter, r *http.Request, sessionID [16]byte) {
	st, err := s.sessions.Status(sessionID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, &GetSessionStatusResponse{
		SessionID: hex.EncodeToString(sessionID[:]),
		Status:    string(st),
	})
}

func (s *DaemonAPIServer) handleVerifySegment(w http.ResponseWriter, r *http.Request, sessionID [16]byte) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	idx, err := strconv.ParseUint(r.URL.Query().Get("index"), 10, 32)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "index must be a non-negative integer")
		return
	}
	valid, err := s.sessions.VerifySegment(sessionID, uint32(idx))
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, &VerifySegmentResponse{
		SessionID:    hex.EncodeToString(sessionID[:]),
		SegmentIndex: uint32(idx),
		Valid:        valid,
	})
}

func parseSessionID(s string) ([16]byte, error) {
	var id [16]byte
	raw, err := validation.ValidateHexID(s, 16)
	if err != nil {
		return id, err
	}
	copy(id[:], raw)
	return id, nil
}

// SSEHandler streams session lifecycle events as Server-Sent Events.
func SSEHandler(pub *events.Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}
		filter := r.URL.Query().Get("session_id")
		sub := pub.Subscribe(filter)
		defer pub.Unsubscribe(sub.ID)
		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Channel:
				if !ok {
					return
				}
				line := toJSONLine(ev)
				_, _ = w.Write([]byte("data: "))
				_, _ = w.Write(line)
				_, _ = w.Write([]byte("\n\n"))
				flusher.Flush()
			}
		}
	}
}

func toJSONLine(ev *events.SessionEvent) []byte {
	b := &strings.Builder{}
	b.WriteString("{")
	b.WriteString("\"session_id\":\"")
	b.WriteString(ev.SessionID)
	b.WriteString("\",")
	b.WriteString("\"event_type\":\"")
	b.WriteString(ev.Type.String())
	b.WriteString("\",")
	b.WriteString("\"timestamp\":")
	b.WriteString(strconv.FormatInt(ev.Timestamp.UnixMilli(), 10))
	if ev.Message != "" {
		b.WriteString(",\"message\":\"")
		b.WriteString(ev.Message)
		b.WriteString("\"")
	}
	if len(ev.Metadata) > 0 {
		b.WriteString(",\"metadata\":{")
		i := 0
		for k, v := range ev.Metadata {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString("\"")
			b.WriteString(k)
			b.WriteString("\":\"")
			b.WriteString(v)
			b.WriteString("\"")
			i++
		}
		b.WriteString("}")
	}
	b.WriteString("}")
	return []byte(b.String())
}

func toHTTPManifest(m *manifest.Manifest) ManifestJSON {
	groupIDs := make([]string, len(m.GroupIDs))
	for i, g := range m.GroupIDs {
		groupIDs[i] = hex.EncodeToString(g[:])
	}
	segments := make([]SegmentJSON, len(m.Segments))
	for i, seg := range m.Segments {
		segments[i] = SegmentJSON{
			Index:         seg.Index,
			ObjectID:      seg.ObjectID,
			Size:          seg.Size,
			PlaintextHash: hex.EncodeToString(seg.PlaintextHash[:]),
			EncryptedHash: hex.EncodeToString(seg.EncryptedHash[:]),
			CapturedAt:    seg.CapturedAt,
			UploadedAt:    seg.UploadedAt,
		}
	}
	return ManifestJSON{
		Version:    m.Version,
		SessionID:  hex.EncodeToString(m.SessionID[:]),
		Uploader:   hex.EncodeToString(m.Uploader[:]),
		GroupIDs:   groupIDs,
		MerkleRoot: hex.EncodeToString(m.MerkleRoot[:]),
		Segments:   segments,
	}
}

// JSON helpers

type JSONError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, JSONError{Code: code, Message: msg})
}
