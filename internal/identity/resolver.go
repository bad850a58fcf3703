// Package identity normalizes the address forms used by the messaging network
// into canonical contact keys. Resolution is deterministic and does no I/O;
// alias lookups for temporary local-id addresses go through the AliasLookup
// interface backed by the contact table.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

// Well-known server suffixes of the address grammar.
const (
	ServerUser      = "s.whatsapp.net"
	ServerGroup     = "g.us"
	ServerBroadcast = "broadcast"
	ServerLocalID   = "lid"
	ServerHostedLID = "hosted.lid"
)

// Kind classifies a parsed address.
type Kind int

const (
	KindUser Kind = iota
	KindGroup
	KindBroadcast
	KindLocalID
)

var (
	// ErrBroadcast marks broadcast/status addresses; ingestion drops those events.
	ErrBroadcast = errors.New("broadcast address")
	// ErrInvalid marks addresses outside the known grammar.
	ErrInvalid = errors.New("invalid address")
	// ErrUnmapped marks a temporary local-id address with no known pairing.
	ErrUnmapped = errors.New("unmapped local-id address")
)

// Address is a normalized network address: device suffix stripped, server
// lowercased.
type Address struct {
	User   string
	Server string
	Kind   Kind
}

// String returns the canonical user@server form.
func (a Address) String() string {
	return a.User + "@" + a.Server
}

// IsGroup reports whether the address names a group conversation.
func (a Address) IsGroup() bool {
	return a.Kind == KindGroup
}

// Parse normalizes a raw address. Broadcast and status addresses return
// ErrBroadcast; anything outside the grammar returns ErrInvalid. Parse is
// total over the grammar: every raw address yields exactly one result.
func Parse(raw string) (Address, error) {
	user, server, ok := strings.Cut(raw, "@")
	if !ok || user == "" || server == "" {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalid, raw)
	}

	// Strip the device/agent suffix: "5551:12@..." addresses the 12th linked
	// device of the same identity.
	if i := strings.IndexAny(user, ":."); i >= 0 {
		user = user[:i]
	}
	if user == "" {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalid, raw)
	}

	server = strings.ToLower(server)
	addr := Address{User: user, Server: server}

	switch server {
	case ServerUser:
		addr.Kind = KindUser
	case ServerGroup:
		addr.Kind = KindGroup
	case ServerLocalID, ServerHostedLID:
		addr.Server = ServerLocalID
		addr.Kind = KindLocalID
	case ServerBroadcast:
		addr.Kind = KindBroadcast
		return addr, ErrBroadcast
	default:
		if strings.HasSuffix(server, ServerBroadcast) {
			addr.Kind = KindBroadcast
			return addr, ErrBroadcast
		}
		return Address{}, fmt.Errorf("%w: unknown server %q", ErrInvalid, raw)
	}

	return addr, nil
}

// AliasLookup resolves a temporary alias address to the canonical address it
// was paired with, when the pairing has been observed.
type AliasLookup interface {
	CanonicalForAlias(accountID, alias string) (string, bool, error)
}

// Resolver resolves raw addresses to canonical ones, mapping temporary
// local-id addresses through the persisted alias table.
type Resolver struct {
	aliases AliasLookup
}

// NewResolver creates a resolver backed by the given alias table.
func NewResolver(aliases AliasLookup) *Resolver {
	return &Resolver{aliases: aliases}
}

// Resolve parses raw and, for local-id addresses, maps them to their canonical
// form. A local-id address whose pairing has never been observed returns
// ErrUnmapped and the caller drops the event.
func (r *Resolver) Resolve(accountID, raw string) (Address, error) {
	addr, err := Parse(raw)
	if err != nil {
		return Address{}, err
	}
	if addr.Kind != KindLocalID {
		return addr, nil
	}

	canonical, ok, err := r.aliases.CanonicalForAlias(accountID, addr.String())
	if err != nil {
		return Address{}, fmt.Errorf("alias lookup: %w", err)
	}
	if !ok {
		return Address{}, fmt.Errorf("%w: %q", ErrUnmapped, raw)
	}
	return Parse(canonical)
}
