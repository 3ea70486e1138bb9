package tangle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"

	"github.com/acorndb/acorn"
)

var httpJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// wireNut is Nut[T]'s JSON shape for the §6 HTTP sync endpoints: same
// fields, explicit snake_case tags so the wire format doesn't drift
// with Go field renames.
type wireNut[T any] struct {
	ID        string     `json:"id"`
	Payload   T          `json:"payload"`
	Timestamp time.Time  `json:"timestamp"`
	Version   uint64     `json:"version"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Deleted   bool       `json:"deleted,omitempty"`
}

func toWire[T any](n acorn.Nut[T]) wireNut[T] {
	return wireNut[T]{
		ID: n.ID, Payload: n.Payload, Timestamp: n.Timestamp,
		Version: n.Version, ExpiresAt: n.ExpiresAt, Deleted: n.Deleted,
	}
}

func fromWire[T any](w wireNut[T]) acorn.Nut[T] {
	return acorn.Nut[T]{
		ID: w.ID, Payload: w.Payload, Timestamp: w.Timestamp,
		Version: w.Version, ExpiresAt: w.ExpiresAt, Deleted: w.Deleted,
	}
}

// httpSink is the client half of the HTTP sync surface: a Sink that
// forwards Stash/Toss/ExportChangesSince/Import to another Tree's
// Handler over HTTP using the stdlib net/http client and a plain
// json.Decoder for responses.
type httpSink[T any] struct {
	client  *http.Client
	baseURL string
}

// NewHTTPSink constructs a Sink that talks to a remote Tree's Handler
// mounted at baseURL (e.g. "http://peer:8080/acorn").
func NewHTTPSink[T any](baseURL string, client *http.Client) Sink[T] {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpSink[T]{client: client, baseURL: baseURL}
}

func (s *httpSink[T]) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return nil, &acorn.Sync{Kind: acorn.SyncTransport, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &acorn.Sync{Kind: acorn.SyncTransport, Err: err}
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &acorn.Sync{Kind: acorn.SyncRemote, Err: fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, msg)}
	}
	return resp, nil
}

func (s *httpSink[T]) Stash(ctx context.Context, nut acorn.Nut[T]) error {
	buf, err := httpJSON.Marshal(toWire(nut))
	if err != nil {
		return &acorn.Serialization{Err: err}
	}
	resp, err := s.do(ctx, http.MethodPost, "/stash", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (s *httpSink[T]) Toss(ctx context.Context, id string) error {
	resp, err := s.do(ctx, http.MethodDelete, "/toss/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (s *httpSink[T]) ExportChangesSince(ctx context.Context, since *time.Time) ([]acorn.Nut[T], error) {
	path := "/export"
	if since != nil {
		path += "?since=" + url.QueryEscape(since.Format(time.RFC3339Nano))
	}
	resp, err := s.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire []wireNut[T]
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &acorn.Serialization{Err: err}
	}
	nuts := make([]acorn.Nut[T], len(wire))
	for i, w := range wire {
		nuts[i] = fromWire(w)
	}
	return nuts, nil
}

func (s *httpSink[T]) Import(ctx context.Context, nuts []acorn.Nut[T]) ([]acorn.ImportOutcome, error) {
	wire := make([]wireNut[T], len(nuts))
	for i, n := range nuts {
		wire[i] = toWire(n)
	}
	buf, err := httpJSON.Marshal(wire)
	if err != nil {
		return nil, &acorn.Serialization{Err: err}
	}
	resp, err := s.do(ctx, http.MethodPost, "/import", bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var outcomes []int
	if err := json.NewDecoder(resp.Body).Decode(&outcomes); err != nil {
		return nil, &acorn.Serialization{Err: err}
	}
	result := make([]acorn.ImportOutcome, len(outcomes))
	for i, o := range outcomes {
		result[i] = acorn.ImportOutcome(o)
	}
	return result, nil
}

// Handler mounts the §6 HTTP sync routes for a Tree on a chi.Router:
//
//	POST   /stash          import one record, LWW-resolved; replies accepted or rejected
//	DELETE /toss/{id}      tombstone one record
//	GET    /export?since=  export changes since an RFC3339 instant
//	POST   /import         import a batch, LWW-resolved against local state
//
// This is the server half of the same contract httpSink implements as
// a client, so two acorn processes can Tangle over plain HTTP with
// nothing but this package on both ends.
type Handler[T any] struct {
	tree *acorn.Tree[T]
}

// NewHandler returns a chi-routed http.Handler exposing tree over HTTP.
func NewHandler[T any](tree *acorn.Tree[T]) http.Handler {
	h := &Handler[T]{tree: tree}
	r := chi.NewRouter()
	r.Post("/stash", h.handleStash)
	r.Delete("/toss/{id}", h.handleToss)
	r.Get("/export", h.handleExport)
	r.Post("/import", h.handleImport)
	return r
}

// stashResponse is the {accepted|rejected} body returned by POST
// /stash, so a remote caller can observe the squabble outcome the same
// way an in-process Import caller reads its ImportOutcome.
type stashResponse struct {
	Result string `json:"result"`
}

func (h *Handler[T]) handleStash(w http.ResponseWriter, r *http.Request) {
	var wire wireNut[T]
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	outcome, err := h.tree.Import(r.Context(), fromWire(wire))
	if err != nil {
		writeErr(w, err)
		return
	}

	result := "accepted"
	if outcome != acorn.Accepted {
		result = "rejected"
	}
	w.Header().Set("Content-Type", "application/json")
	httpJSON.NewEncoder(w).Encode(stashResponse{Result: result})
}

func (h *Handler[T]) handleToss(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.tree.Toss(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler[T]) handleExport(w http.ResponseWriter, r *http.Request) {
	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			http.Error(w, "invalid since: "+err.Error(), http.StatusBadRequest)
			return
		}
		since = &ts
	}

	var wire []wireNut[T]
	err := h.tree.ExportChangesSince(r.Context(), since, func(n acorn.Nut[T]) bool {
		wire = append(wire, toWire(n))
		return true
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	httpJSON.NewEncoder(w).Encode(wire)
}

func (h *Handler[T]) handleImport(w http.ResponseWriter, r *http.Request) {
	var wire []wireNut[T]
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	outcomes := make([]int, len(wire))
	for i, wn := range wire {
		outcome, err := h.tree.Import(r.Context(), fromWire(wn))
		if err != nil {
			writeErr(w, err)
			return
		}
		outcomes[i] = int(outcome)
	}
	w.Header().Set("Content-Type", "application/json")
	httpJSON.NewEncoder(w).Encode(outcomes)
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case err == acorn.ErrInvalidInput:
		http.Error(w, err.Error(), http.StatusBadRequest)
	case err == acorn.ErrUnsupported:
		http.Error(w, err.Error(), http.StatusNotImplemented)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
