package zap

import (
	"time"

	"github.com/google/uuid"
	"github.com/hlandau/parazap/abstract"
)

// Builder turns a connection's handshake context into a registered Request.
type Builder struct {
	table *Table
	newID func() string
	now   func() time.Time
}

// NewBuilder returns a Builder registering requests in table. Request ids
// are random UUIDs.
func NewBuilder(table *Table) *Builder {
	return &Builder{
		table: table,
		newID: uuid.NewString,
		now:   time.Now,
	}
}

// Build creates a request for the connection identified by route and
// registers it as pending before returning it, so a reply can never arrive
// ahead of its table entry. Credential frames are passed through untouched.
func (b *Builder) Build(route uint64, peer abstract.PeerInfo) (*Request, error) {
	req := &Request{
		Version:     Version,
		RequestID:   b.newID(),
		Domain:      peer.Domain,
		Address:     peer.Address,
		Identity:    peer.Identity,
		Mechanism:   peer.Mechanism,
		Credentials: peer.Credentials,
	}

	if err := b.table.Register(route, req, b.now()); err != nil {
		return nil, err
	}

	return req, nil
}
