package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// NodeInfo identifies a node and the address it serves on.
// Addr is either host:port or a full http(s) base URL.
type NodeInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// Role is the role a member has registered with the coordination service.
type Role string

const (
	// RoleCandidate is a member that joined the election but has not registered a service yet.
	RoleCandidate Role = "candidate"
	// RoleWorker serves the search protocol for its document shard.
	RoleWorker Role = "worker"
	// RoleCoordinator is the elected leader accepting queries.
	RoleCoordinator Role = "coordinator"
)

// Member is one participant of the election as seen by the registry.
type Member struct {
	Node        NodeInfo  `json:"node"`
	Role        Role      `json:"role"`
	ServiceAddr string    `json:"service_addr,omitempty"`
	JoinedAt    time.Time `json:"joined_at"`
	Seq         uint64    `json:"seq"`
}

// JoinRequest enters a node into the leader election.
type JoinRequest struct {
	Node NodeInfo `json:"node"`
}

// JoinResponse carries the election sequence assigned to the node.
type JoinResponse struct {
	Seq uint64 `json:"seq"`
}

// RegisterRequest publishes a member's service address under a role.
type RegisterRequest struct {
	NodeID string `json:"node_id"`
	Role   Role   `json:"role"`
	Addr   string `json:"addr"`
}

// MemberRequest names a member for unregister and leave calls.
type MemberRequest struct {
	NodeID string `json:"node_id"`
}

// LeaderResponse reports the current leader, if any member is alive.
type LeaderResponse struct {
	Leader *Member `json:"leader,omitempty"`
}

// MemberResponse is one member's election entry.
type MemberResponse struct {
	Member Member `json:"member"`
}

// WorkersResponse is the ordered membership snapshot of registered workers.
type WorkersResponse struct {
	Workers []NodeInfo `json:"workers"`
}

// StatusError is returned by PostJSON and GetJSON for non-2xx responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %s: %d", e.URL, e.Code)
}

// IsStatus reports whether err carries an HTTP status error with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// BaseURL turns a host:port address into an http base URL without a trailing slash.
func BaseURL(addr string) string {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = "http://" + addr
	}
	return strings.TrimRight(url, "/")
}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(req, out)
}

func do(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{URL: req.URL.String(), Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(out), "decode %s", req.URL)
}
