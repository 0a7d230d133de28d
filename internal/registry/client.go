package registry

import (
	"context"
	"net/http"
	"net/url"

	"github.com/cockroachdb/errors"

	"github.com/dreamware/tfsearch/internal/cluster"
)

// Client talks to a registry server on behalf of one node. It implements
// cluster.CoordinationService; every error it returns is marked with
// cluster.ErrCoordination.
type Client struct {
	base string
	self cluster.NodeInfo
}

var _ cluster.CoordinationService = (*Client)(nil)

// NewClient creates a client for the registry at addr acting as self.
// self.Addr is the address the registry probes for liveness.
func NewClient(addr string, self cluster.NodeInfo) *Client {
	return &Client{base: cluster.BaseURL(addr), self: self}
}

// Self returns the node this client acts for.
func (c *Client) Self() cluster.NodeInfo {
	return c.self
}

func (c *Client) Join(ctx context.Context) error {
	var resp cluster.JoinResponse
	if err := cluster.PostJSON(ctx, c.base+"/election/join", cluster.JoinRequest{Node: c.self}, &resp); err != nil {
		return coordinationErr(err, "join election")
	}
	return nil
}

// IsLeader checks this node's own entry before asking for the leader, so an
// evicted node gets ErrMembershipLost instead of a plain "no".
func (c *Client) IsLeader(ctx context.Context) (bool, error) {
	var self cluster.MemberResponse
	err := cluster.GetJSON(ctx, c.base+"/election/member?id="+url.QueryEscape(c.self.ID), &self)
	switch {
	case cluster.IsStatus(err, http.StatusNotFound):
		return false, coordinationErr(errors.Mark(err, cluster.ErrMembershipLost), "check membership")
	case err != nil:
		return false, coordinationErr(err, "check membership")
	}

	leader, err := c.leader(ctx)
	if err != nil {
		return false, err
	}
	return leader != nil && leader.Node.ID == c.self.ID, nil
}

func (c *Client) RegisterWorker(ctx context.Context, addr string) error {
	return c.register(ctx, cluster.RoleWorker, addr)
}

func (c *Client) RegisterCoordinator(ctx context.Context, addr string) error {
	return c.register(ctx, cluster.RoleCoordinator, addr)
}

func (c *Client) Unregister(ctx context.Context) error {
	if err := cluster.PostJSON(ctx, c.base+"/unregister", cluster.MemberRequest{NodeID: c.self.ID}, nil); err != nil {
		return coordinationErr(err, "unregister")
	}
	return nil
}

func (c *Client) ListWorkerAddresses(ctx context.Context) ([]cluster.NodeInfo, error) {
	var resp cluster.WorkersResponse
	if err := cluster.GetJSON(ctx, c.base+"/workers", &resp); err != nil {
		return nil, coordinationErr(err, "list workers")
	}
	return resp.Workers, nil
}

func (c *Client) LeaderAddress(ctx context.Context) (string, bool, error) {
	leader, err := c.leader(ctx)
	if err != nil {
		return "", false, err
	}
	if leader == nil || leader.Role != cluster.RoleCoordinator || leader.ServiceAddr == "" {
		return "", false, nil
	}
	return leader.ServiceAddr, true, nil
}

func (c *Client) Leave(ctx context.Context) error {
	err := cluster.PostJSON(ctx, c.base+"/leave", cluster.MemberRequest{NodeID: c.self.ID}, nil)
	if err != nil && !cluster.IsStatus(err, http.StatusNotFound) {
		return coordinationErr(err, "leave election")
	}
	return nil
}

func (c *Client) register(ctx context.Context, role cluster.Role, addr string) error {
	req := cluster.RegisterRequest{NodeID: c.self.ID, Role: role, Addr: addr}
	if err := cluster.PostJSON(ctx, c.base+"/register", req, nil); err != nil {
		return coordinationErr(err, "register "+string(role))
	}
	return nil
}

func (c *Client) leader(ctx context.Context) (*cluster.Member, error) {
	var resp cluster.LeaderResponse
	if err := cluster.GetJSON(ctx, c.base+"/election/leader", &resp); err != nil {
		return nil, coordinationErr(err, "get leader")
	}
	return resp.Leader, nil
}

func coordinationErr(err error, op string) error {
	return errors.Mark(errors.Wrap(err, op), cluster.ErrCoordination)
}
