package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/locstore/ldm/internal/ops"
	"github.com/locstore/ldm/internal/types"
)

// sseHeartbeat keeps idle event streams alive through proxies.
const sseHeartbeat = 15 * time.Second

// HTTPServer exposes the dispatcher over HTTP: POST /rpc for calls,
// GET /events for the progress stream, GET /health unauthenticated.
type HTTPServer struct {
	core *Server
	bus  *ops.Bus
	log  *slog.Logger

	httpSrv *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewHTTPServer wraps the dispatcher for the given listen address.
func NewHTTPServer(core *Server, bus *ops.Bus, addr string, log *slog.Logger) *HTTPServer {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &HTTPServer{core: core, bus: bus, log: log}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/rpc", h.handleRPC)
	mux.HandleFunc("/events", h.handleEvents)
	h.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return h
}

// Start binds the listener and serves until ctx is cancelled, then shuts
// down gracefully.
func (h *HTTPServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.httpSrv.Addr, err)
	}
	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()
	h.log.Info("rpc server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- h.httpSrv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return h.httpSrv.Shutdown(shutCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Addr returns the bound address, valid after Start has bound the
// listener. Useful with a ":0" listen address.
func (h *HTTPServer) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return h.httpSrv.Addr
	}
	return h.listener.Addr().String()
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// bearerToken extracts the caller's token from the Authorization header,
// falling back to the token query parameter for EventSource clients that
// cannot set headers.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (h *HTTPServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, &Response{
			Error:     "malformed request envelope: " + err.Error(),
			ErrorKind: types.KindInvalidArgument,
		})
		return
	}
	if req.Token == "" {
		req.Token = bearerToken(r)
	}
	resp := h.core.Handle(r.Context(), &req)
	writeJSON(w, statusFor(resp), resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the envelope's error kind onto an HTTP status. Clients
// branch on error_kind; the status is for middleboxes and logs.
func statusFor(resp *Response) int {
	if resp.Success {
		return http.StatusOK
	}
	switch resp.ErrorKind {
	case types.KindInvalidArgument:
		return http.StatusBadRequest
	case types.KindUnauthenticated:
		return http.StatusUnauthorized
	case types.KindForbidden:
		return http.StatusForbidden
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindConflict, types.KindPrecondition:
		return http.StatusConflict
	case types.KindResourceExhausted:
		return http.StatusTooManyRequests
	case types.KindTimeout:
		return http.StatusGatewayTimeout
	case types.KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// handleEvents streams operation progress as server-sent events.
//
// Query parameters: ops is a comma-separated list of operation ids to
// follow (empty follows everything the caller may see), and since_seq
// replays buffered updates with seq greater than the given value before
// going live. Replay requires ops to name exactly one operation. Clients
// deduplicate on (op_id, seq).
func (h *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	p, err := h.core.resolver.Resolve(bearerToken(r))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, &Response{Error: err.Error(), ErrorKind: types.KindOf(err)})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var opIDs []string
	if raw := r.URL.Query().Get("ops"); raw != "" {
		opIDs = strings.Split(raw, ",")
	}
	// Non-admins may only follow their own operations.
	if !p.IsAdmin() {
		for _, id := range opIDs {
			if _, err := h.core.opForPrincipal(p, id); err != nil {
				writeJSON(w, statusFor(&Response{ErrorKind: types.KindOf(err)}), &Response{Error: err.Error(), ErrorKind: types.KindOf(err)})
				return
			}
		}
	}

	var sinceSeq int64 = -1
	if raw := r.URL.Query().Get("since_seq"); raw != "" {
		sinceSeq, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || len(opIDs) != 1 {
			writeJSON(w, http.StatusBadRequest, &Response{
				Error:     "since_seq needs a numeric value and exactly one op",
				ErrorKind: types.KindInvalidArgument,
			})
			return
		}
	}

	// Subscribe before replaying so no update falls in the gap; the
	// client drops the duplicates by seq.
	var sub *ops.Subscription
	switch {
	case len(opIDs) > 0:
		sub = h.bus.SubscribeOps(opIDs...)
	case p.IsAdmin():
		sub = h.bus.SubscribeAdmin()
	default:
		sub = h.bus.SubscribeOwner(p.UserID)
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if sinceSeq >= 0 {
		for _, u := range h.bus.Replay(opIDs[0], sinceSeq) {
			if !writeEvent(w, flusher, u) {
				return
			}
		}
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-sub.C:
			if !ok {
				return
			}
			if !writeEvent(w, flusher, u) {
				return
			}
			if sub.Lagged() {
				if _, err := fmt.Fprint(w, "event: lagged\ndata: {}\n\n"); err != nil {
					return
				}
				flusher.Flush()
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, u types.ProgressUpdate) bool {
	data, err := json.Marshal(u)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
