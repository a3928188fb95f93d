// Package control implements the LFSCK control protocol (spec.md §4.8):
// the wire request record, broadcast start/stop fan-out over a request-set,
// and the in_notify/query dispatch table. The RPC/transport substrate
// itself is out of scope per spec.md §6 ("only its request-set semantics
// matter") -- this package supplies a plain net/http transport, the same
// idiom the teacher's own intra-cluster calls use (ais/prxs3.go's
// method-switch handlers), plus golang.org/x/sync/errgroup for the
// request-set fan-out/await in place of ptlrpc_prep_set/set_wait.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/parafs/lfsckd/xerr"
)

var jsonc = jsoniter.ConfigCompatibleWithStandardLibrary

// Event is the lr_event field of the original lfsck_request.
type Event int

const (
	EventStart Event = iota
	EventStop
	EventPhase1Done
	EventPhase2Done
	EventFIDAccessed
	EventPeerExit
	EventConditionalDestroy
	EventPairsVerify
	EventNotify
	EventQuery
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "START"
	case EventStop:
		return "STOP"
	case EventPhase1Done:
		return "PHASE1_DONE"
	case EventPhase2Done:
		return "PHASE2_DONE"
	case EventFIDAccessed:
		return "FID_ACCESSED"
	case EventPeerExit:
		return "PEER_EXIT"
	case EventConditionalDestroy:
		return "CONDITIONAL_DESTROY"
	case EventPairsVerify:
		return "PAIRS_VERIFY"
	case EventNotify:
		return "NOTIFY"
	case EventQuery:
		return "QUERY"
	default:
		return "UNKNOWN"
	}
}

// Valid is a bitmask of which Request fields the sender actually filled in
// (lr_valid), since a zero value is not distinguishable from "unset".
type Valid uint32

const (
	ValidSpeed Valid = 1 << iota
	ValidErrorHandle
	ValidDryRun
	ValidAsyncWindows
)

// Request is the wire request record (struct lfsck_request).
type Request struct {
	Event        Event  `json:"event"`
	Index        uint32 `json:"index"`
	Status       int    `json:"status"`
	Version      uint32 `json:"version"`
	Active       uint32 `json:"active"` // bitmask of component types
	Param        uint32 `json:"param"`  // start flags
	Speed        uint32 `json:"speed"`
	AsyncWindows uint32 `json:"async_windows"`
	Valid        Valid  `json:"valid"`
}

// Response carries the per-peer outcome back to the fan-out collector.
// Code carries a wire-stable tag for one of the xerr sentinels so the
// caller's errors.Is checks (EALREADY coercion, etc.) survive the HTTP
// hop; Err keeps the human-readable text for logging when Code is empty.
type Response struct {
	Status int    `json:"status"`
	Err    string `json:"err,omitempty"`
	Code   string `json:"code,omitempty"`
}

// wireSentinels are the xerr errors a peer may return that the caller needs
// to recognize by identity, not just by text, once they cross the wire.
var wireSentinels = []error{
	xerr.ErrAlreadyExists,
	xerr.ErrNotFound,
	xerr.ErrNoSuchDevice,
	xerr.ErrOutOfMemory,
	xerr.ErrPermissionDenied,
	xerr.ErrNotADirectory,
	xerr.ErrNotSupported,
	xerr.ErrInvalidArgument,
	xerr.ErrAlreadyInState,
	xerr.ErrIOError,
}

func sentinelCode(err error) string {
	for _, s := range wireSentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return ""
}

func sentinelFromCode(code string) error {
	for _, s := range wireSentinels {
		if s.Error() == code {
			return s
		}
	}
	return nil
}

// ResponseError reconstructs the application-level error a peer reported,
// if any. When resp.Code names one of the xerr sentinels the original error
// value is returned so errors.Is keeps working across the HTTP hop (spec.md
// §4.8/§7's EALREADY coercion depends on this); otherwise a plain error
// carrying resp.Err is returned.
func ResponseError(resp Response) error {
	if resp.Err == "" {
		return nil
	}
	if s := sentinelFromCode(resp.Code); s != nil {
		return s
	}
	return errors.New(resp.Err)
}

// Dispatcher is implemented by the engine side (lfsck.Registry) so this
// package never imports it back -- avoids a control<->lfsck import cycle
// while keeping the HTTP server a thin adapter.
type Dispatcher interface {
	InNotify(ctx context.Context, key string, req Request) error
	Query(ctx context.Context, key string, req Request) (Response, error)
}

const (
	pathNotify = "/v1/lfsck/notify"
	pathQuery  = "/v1/lfsck/query"
	hdrDevice  = "X-Lfsck-Device"
)

// Server exposes one Dispatcher over HTTP.
type Server struct {
	Dispatcher Dispatcher
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(pathNotify, s.handleNotify)
	mux.HandleFunc(pathQuery, s.handleQuery)
	return mux
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req Request
	if !decodeBody(w, r, &req) {
		return
	}
	key := r.Header.Get(hdrDevice)
	err := s.Dispatcher.InNotify(r.Context(), key, req)
	resp := Response{}
	if err != nil {
		resp.Status = -1
		resp.Err = err.Error()
		resp.Code = sentinelCode(err)
	}
	writeJSON(w, resp)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req Request
	if !decodeBody(w, r, &req) {
		return
	}
	key := r.Header.Get(hdrDevice)
	resp, err := s.Dispatcher.Query(r.Context(), key, req)
	if err != nil {
		resp.Status = -1
		resp.Err = err.Error()
		resp.Code = sentinelCode(err)
	}
	writeJSON(w, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, req *Request) bool {
	defer r.Body.Close()
	if err := jsonc.NewDecoder(r.Body).Decode(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	b, err := jsonc.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(b)
}

// Peer is one remote target reachable over HTTP -- the export handle to the
// RPC layer a Target Descriptor carries (ltd_exp).
type Peer struct {
	Index   uint32
	Key     string // remote device key, sent back so it can demux on arrival
	BaseURL string
	HTTP    *http.Client

	layoutDone bool // ltd_layout_done, cleared on every broadcast start
}

func NewPeer(index uint32, key, baseURL string) *Peer {
	return &Peer{Index: index, Key: key, BaseURL: baseURL, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

func (p *Peer) call(ctx context.Context, path string, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set(hdrDevice, p.Key)
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := p.HTTP.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("peer %d: %w", p.Index, err)
	}
	defer resp.Body.Close()
	var out Response
	b, _ := io.ReadAll(resp.Body)
	if err := jsonc.Unmarshal(b, &out); err != nil {
		return Response{}, fmt.Errorf("peer %d: decode: %w", p.Index, err)
	}
	return out, nil
}

// Notify sends event LE_NOTIFY-style async requests (start/stop/phase-done/...).
func (p *Peer) Notify(ctx context.Context, req Request) (Response, error) {
	return p.call(ctx, pathNotify, req)
}

// Query sends a synchronous query request.
func (p *Peer) Query(ctx context.Context, req Request) (Response, error) {
	return p.call(ctx, pathQuery, req)
}
