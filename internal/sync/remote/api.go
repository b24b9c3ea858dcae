// Package remote is the client for the authoritative REST server.
//
// Each operation kind maps to an endpoint family through a route table:
//
//	POST   {base}/{path}             create
//	PUT    {base}/{path}/{serverId}  update
//	DELETE {base}/{path}/{serverId}  delete
//	GET    {base}/{path}/{serverId}  fetch
//
// Transport failures, timeouts, 429 and 5xx are returned as retryable
// NETWORK errors; every other 4xx is a non-retryable VALIDATION error.
package remote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fieldops/fieldsync/internal/models"
)

// API is what the sync processor needs from the server.
type API interface {
	Send(ctx context.Context, req *Request) (*Ack, error)
	Fetch(ctx context.Context, kind, serverID string) (*RemoteRecord, error)
}

// Request is one operation on the wire.
type Request struct {
	// OperationID doubles as the Idempotency-Key.
	OperationID models.UUID
	Kind        string
	Action      models.Action
	// ServerID is required for update and delete.
	ServerID string
	Payload  json.RawMessage
}

// Ack is the server's acknowledgement of a Request.
type Ack struct {
	ServerID  string    `json:"serverId"`
	UpdatedAt time.Time `json:"updatedAt"`
	// Existing is set when the server already holds a divergent version
	// of the record (HTTP 409).
	Existing *RemoteRecord `json:"existing,omitempty"`
}

// RemoteRecord is the server's view of a record.
type RemoteRecord struct {
	ServerID  string          `json:"serverId"`
	Kind      string          `json:"kind,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// ToDomain converts the server view into a DomainRecord without local
// identity.
func (r *RemoteRecord) ToDomain() *models.DomainRecord {
	if r == nil {
		return nil
	}
	return &models.DomainRecord{
		ServerID:        r.ServerID,
		Kind:            r.Kind,
		Payload:         append(json.RawMessage(nil), r.Payload...),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ServerUpdatedAt: r.UpdatedAt,
	}
}
