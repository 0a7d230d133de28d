package registry

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/dreamware/tfsearch/internal/cluster"
)

// Server exposes a Registry over HTTP.
type Server struct {
	reg    *Registry
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer wires the registry endpoints:
//
//	POST /election/join    JoinRequest     → JoinResponse
//	GET  /election/leader                  → LeaderResponse
//	GET  /election/member?id=              → MemberResponse, 404 once gone
//	POST /register         RegisterRequest → 204
//	POST /unregister       MemberRequest   → 204
//	POST /leave            MemberRequest   → 204
//	GET  /workers                          → WorkersResponse
//	GET  /members                          → {"members": [...]}
//	GET  /health                           → 200
func NewServer(reg *Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{reg: reg, logger: logger, mux: http.NewServeMux()}
	s.mux.HandleFunc("/election/join", s.handleJoin)
	s.mux.HandleFunc("/election/leader", s.handleLeader)
	s.mux.HandleFunc("/election/member", s.handleMember)
	s.mux.HandleFunc("/register", s.handleRegister)
	s.mux.HandleFunc("/unregister", s.handleUnregister)
	s.mux.HandleFunc("/leave", s.handleLeave)
	s.mux.HandleFunc("/workers", s.handleWorkers)
	s.mux.HandleFunc("/members", s.handleMembers)
	s.mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req cluster.JoinRequest
	if !decodePost(w, r, &req) {
		return
	}
	m, err := s.reg.Join(req.Node)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster.JoinResponse{Seq: m.Seq})
}

func (s *Server) handleLeader(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var resp cluster.LeaderResponse
	if m, ok := s.reg.Leader(); ok {
		resp.Leader = &m
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMember(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	m, ok := s.reg.Member(id)
	if !ok {
		s.writeError(w, errors.Wrapf(ErrUnknownMember, "member %s", id))
		return
	}
	writeJSON(w, http.StatusOK, cluster.MemberResponse{Member: m})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if !decodePost(w, r, &req) {
		return
	}
	if err := s.reg.Register(req); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var req cluster.MemberRequest
	if !decodePost(w, r, &req) {
		return
	}
	if err := s.reg.Unregister(req.NodeID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req cluster.MemberRequest
	if !decodePost(w, r, &req) {
		return
	}
	if err := s.reg.Leave(req.NodeID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, cluster.WorkersResponse{Workers: s.reg.Workers()})
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Members []cluster.Member `json:"members"`
	}{Members: s.reg.Members()})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownMember):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("registry request failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func decodePost(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
