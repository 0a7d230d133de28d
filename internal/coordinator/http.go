package coordinator

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/dreamware/tfsearch/internal/cluster"
)

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// NewHandler exposes the coordinator over HTTP.
//
// Routes:
//   - POST /query: body QueryRequest (or ?q=...&limit=N), returns Result
//   - GET /workers: the workers the next query would be sent to
func NewHandler(c *Coordinator, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{c: c, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/query", h.handleQuery)
	mux.HandleFunc("/workers", h.handleWorkers)
	return mux
}

type handler struct {
	c      *Coordinator
	logger *slog.Logger
}

func (h *handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	switch r.Method {
	case http.MethodPost:
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
	case http.MethodGet:
		req.Query = r.URL.Query().Get("q")
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				http.Error(w, "bad limit", http.StatusBadRequest)
				return
			}
			req.Limit = n
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	res, err := h.c.Query(r.Context(), req.Query)
	switch {
	case errors.Is(err, ErrEmptyQuery):
		http.Error(w, "query has no terms", http.StatusBadRequest)
		return
	case errors.Is(err, cluster.ErrCoordination):
		h.logger.Error("query failed: worker listing", "error", err)
		http.Error(w, "coordination service unavailable", http.StatusServiceUnavailable)
		return
	case err != nil:
		h.logger.Error("query failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, res.Limit(req.Limit))
}

func (h *handler) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.c.membership == nil {
		writeJSON(w, http.StatusOK, cluster.WorkersResponse{Workers: []cluster.NodeInfo{}})
		return
	}
	workers, err := h.c.membership.ListWorkerAddresses(r.Context())
	if err != nil {
		h.logger.Error("list workers", "error", err)
		http.Error(w, "coordination service unavailable", http.StatusServiceUnavailable)
		return
	}
	if workers == nil {
		workers = []cluster.NodeInfo{}
	}
	writeJSON(w, http.StatusOK, cluster.WorkersResponse{Workers: workers})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
