package ingest

import (
	"context"

	"github.com/ecamargo/kindred/internal/store"
)

// MediaInfo describes a downloadable payload attached to a message. Fetch
// pulls the decrypted bytes from the network; the pipeline never downloads
// inline, it hands the closure to the offload worker.
type MediaInfo struct {
	Mime  string
	Size  int64
	Fetch func(ctx context.Context) ([]byte, error)
}

// MessageEvent is a normalized incoming or outgoing message, decoded at the
// network boundary and ready for ingestion.
type MessageEvent struct {
	Account   string
	ChatJID   string
	SenderJID string
	// SenderAltJID carries the paired alternate address of the sender when
	// the network exposes both, so the alias table learns the mapping.
	SenderAltJID string
	PushName     string
	WAID         string
	FromMe       bool
	Body         string
	Type         store.MessageType
	Timestamp    int64

	QuotedWAID string
	QuotedBody string
	Mentions   []string

	Media *MediaInfo

	// History marks backfilled messages; they never trigger media offload.
	History bool
}

// ReactionEvent is a reaction add, change or removal. An empty Emoji removes
// the sender's reaction from the target message.
type ReactionEvent struct {
	Account    string
	ChatJID    string
	TargetWAID string
	FromMe     bool
	Emoji      string
	Timestamp  int64
}

// ContactBatch is a set of contact metadata observations from the network.
type ContactBatch struct {
	Account  string
	Contacts []store.ContactUpsert
}

// AliasPair records an observed pairing between a canonical address and a
// temporary local-id address.
type AliasPair struct {
	JID   string
	Alias string
}

// AliasBatch is a set of address pairings observed from the credential store.
type AliasBatch struct {
	Account string
	Pairs   []AliasPair
}

// HistoryBatch is a chunk of backfilled messages delivered after pairing.
type HistoryBatch struct {
	Account  string
	Messages []MessageEvent
}
