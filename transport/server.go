package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/twlk9/raftdb"
	"github.com/twlk9/raftdb/raft"
)

// Server serves one node's HTTP surface. Peer RPCs and client
// operations share the listener; the roster port is the only port a
// node needs.
type Server struct {
	node   *raft.Node
	db     *raftdb.DB
	addr   string
	logger *slog.Logger

	http *http.Server
	ln   net.Listener
}

// NewServer builds the server for a node. Start opens the listener.
func NewServer(node *raft.Node, db *raftdb.DB, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		node:   node,
		db:     db,
		addr:   addr,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(s.requestLog)
	r.Post("/v1/put", s.handlePut)
	r.Post("/v1/get", s.handleGet)
	r.Post("/v1/delete", s.handleDelete)
	r.Get("/v1/stats", s.handleStats)
	r.Post("/raft/request_vote", s.handleRequestVote)
	r.Post("/raft/append_entries", s.handleAppendEntries)

	s.http = &http.Server{Handler: r}
	return s
}

// Start binds the listener and serves in the background. Returns
// once the address is live, so callers can dial immediately.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.logger.Info("http listening", "addr", ln.Addr().String())
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "error", err)
		}
	}()
	return nil
}

// Addr reports the bound address. Useful when the configured port
// was 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// requestLog tags every request with an id and logs it on the way
// out.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	var req PutRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, s.mutate(func() error { return s.node.Put(req.Key, req.Value) }))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req DeleteRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, s.mutate(func() error { return s.node.Delete(req.Key) }))
}

// mutate maps a replicated write's outcome onto the wire codes.
func (s *Server) mutate(op func() error) *PutResponse {
	err := op()
	switch {
	case err == nil:
		return &PutResponse{Code: CodeOK}
	case errors.Is(err, raft.ErrNotLeader):
		resp := &PutResponse{Code: CodeNotLeader}
		if leader, ok := s.node.LeaderAddr(); ok {
			resp.Leader = &leader
		}
		return resp
	default:
		s.logger.Warn("write rejected", "error", err)
		return &PutResponse{Code: CodeFailure}
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	var req GetRequest
	if !decode(w, r, &req) {
		return
	}

	value, err := s.node.Get(req.Key, req.ReadFromLeader)
	switch {
	case err == nil:
		writeJSON(w, &GetResponse{Code: CodeOK, Value: value})
	case errors.Is(err, raft.ErrNotLeader):
		resp := &GetResponse{Code: CodeNotLeader}
		if leader, ok := s.node.LeaderAddr(); ok {
			resp.Leader = &leader
		}
		writeJSON(w, resp)
	default:
		// Anything the engine cannot produce a value for reads as
		// absent, ErrNotFound included.
		if !errors.Is(err, raftdb.ErrNotFound) {
			s.logger.Warn("read failed", "error", err)
		}
		writeJSON(w, &GetResponse{Code: CodeNotFound})
	}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := &StatsResponse{
		NodeID: s.node.ID(),
		State:  s.node.State().String(),
		Term:   s.node.Term(),
		Engine: s.db.Stats(),
	}
	if leader, ok := s.node.LeaderAddr(); ok {
		resp.Leader = &leader
	}
	writeJSON(w, resp)
}

func (s *Server) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var req raft.RequestVoteRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, s.node.HandleRequestVote(&req))
}

func (s *Server) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	var req raft.AppendEntriesRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, s.node.HandleAppendEntries(&req))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
