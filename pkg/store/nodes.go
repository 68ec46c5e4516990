package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/nexus/pkg/consensus"
)

// NodeStatus is a node's admission state.
type NodeStatus string

const (
	NodePending   NodeStatus = "PENDING"
	NodeActive    NodeStatus = "ACTIVE"
	NodeRejected  NodeStatus = "REJECTED"
	NodeSuspended NodeStatus = "SUSPENDED"
)

// ErrNodeExists is returned when registering an id that is already known.
var ErrNodeExists = errors.New("store: node already registered")

// NodeInactiveError is returned by LookupSecret for a registered node that is
// not ACTIVE. Registry chains stop on it instead of asking another source.
type NodeInactiveError struct {
	NodeID string
	Status NodeStatus
}

func (e *NodeInactiveError) Error() string {
	return fmt.Sprintf("store: node %s is %s", e.NodeID, e.Status)
}

// Inactive marks the error as a definitive "known but not active" answer.
func (e *NodeInactiveError) Inactive() bool { return true }

// Node is a registered peer. The secret is never serialized.
type Node struct {
	ID           string     `json:"node_id"`
	Endpoint     string     `json:"endpoint,omitempty"`
	Secret       string     `json:"-"`
	Status       NodeStatus `json:"status"`
	ProposalID   string     `json:"proposal_id,omitempty"`
	RegisteredAt time.Time  `json:"registered_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// RegisterNode adds a PENDING node. Admission happens through an accepted
// NODE_ADMISSION proposal.
func (s *SQLStore) RegisterNode(ctx context.Context, id, endpoint, secret string) (*Node, error) {
	if id == "" {
		return nil, errors.New("register node: id is required")
	}
	now := s.now().UTC().Truncate(time.Second)
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO nodes (node_id, endpoint, secret, status, registered_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (node_id) DO NOTHING`),
		id, endpoint, secret, string(NodePending), now.Unix(), now.Unix())
	if err != nil {
		return nil, storageErr("register node", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, storageErr("register node", err)
	} else if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNodeExists, id)
	}
	return &Node{ID: id, Endpoint: endpoint, Secret: secret, Status: NodePending, RegisteredAt: now, UpdatedAt: now}, nil
}

// ActivateNode marks a node ACTIVE, inserting it if it was never registered.
// A non-empty endpoint replaces the stored one.
func (s *SQLStore) ActivateNode(ctx context.Context, nodeID, endpoint, proposalID string) error {
	now := s.now().Unix()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO nodes (node_id, endpoint, status, proposal_id, registered_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (node_id) DO UPDATE SET
			status = excluded.status,
			proposal_id = excluded.proposal_id,
			updated_at = excluded.updated_at,
			endpoint = CASE WHEN excluded.endpoint = '' THEN nodes.endpoint ELSE excluded.endpoint END`),
		nodeID, endpoint, string(NodeActive), proposalID, now, now)
	if err != nil {
		return storageErr("activate node", err)
	}
	return nil
}

// SetNodeStatus changes a node's status. Unknown nodes are
// consensus.ErrNotFound.
func (s *SQLStore) SetNodeStatus(ctx context.Context, nodeID string, status NodeStatus) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE nodes SET status = ?, updated_at = ? WHERE node_id = ?`),
		string(status), s.now().Unix(), nodeID)
	if err != nil {
		return storageErr("set node status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("set node status", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: node %s", consensus.ErrNotFound, nodeID)
	}
	return nil
}

// GetNode returns a node or consensus.ErrNotFound.
func (s *SQLStore) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	var (
		n                   Node
		status              string
		registered, updated int64
	)
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT node_id, endpoint, secret, status, proposal_id, registered_at, updated_at
		FROM nodes WHERE node_id = ?`), nodeID).
		Scan(&n.ID, &n.Endpoint, &n.Secret, &status, &n.ProposalID, &registered, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: node %s", consensus.ErrNotFound, nodeID)
	}
	if err != nil {
		return nil, storageErr("get node", err)
	}
	n.Status = NodeStatus(status)
	n.RegisteredAt = fromUnix(registered)
	n.UpdatedAt = fromUnix(updated)
	return &n, nil
}

// LookupSecret resolves an ACTIVE node with a provisioned secret. A node the
// store does not know, or an active one without a secret, is reported as
// not found. Any other status returns a *NodeInactiveError.
func (s *SQLStore) LookupSecret(ctx context.Context, nodeID string) ([]byte, bool, error) {
	var secret, status string
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT secret, status FROM nodes WHERE node_id = ?`), nodeID).Scan(&secret, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageErr("lookup secret", err)
	}
	if NodeStatus(status) != NodeActive {
		return nil, false, &NodeInactiveError{NodeID: nodeID, Status: NodeStatus(status)}
	}
	if secret == "" {
		return nil, false, nil
	}
	return []byte(secret), true, nil
}
