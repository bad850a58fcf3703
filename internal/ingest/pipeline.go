// Package ingest is the single write path for messages: every message,
// live or backfilled, inbound or just sent, flows through the same
// dedup, identity resolution and commit steps.
package ingest

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ecamargo/kindred/internal/bus"
	"github.com/ecamargo/kindred/internal/identity"
	"github.com/ecamargo/kindred/internal/stats"
	"github.com/ecamargo/kindred/internal/store"
)

// Outcome reports what ingestion did with an event.
type Outcome int

const (
	Accepted Outcome = iota
	Duplicate
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Dropped:
		return "dropped"
	}
	return "unknown"
}

// MediaSink receives offload jobs for committed messages with media. Enqueue
// must not block; a false return means the job was shed.
type MediaSink interface {
	Enqueue(account, contactID, waID string, info *MediaInfo) bool
}

// SelfChatName is the display name given to the account owner's own chat.
const SelfChatName = "Saved Messages"

// Pipeline applies incoming events to the store. All accounts share one
// pipeline; events are processed sequentially in bus order.
type Pipeline struct {
	db       *store.DB
	resolver *identity.Resolver
	stats    *stats.Maintainer
	media    MediaSink // nil when media offload is not configured
	bus      *bus.Bus
	logger   *zap.Logger

	stop func()
	done chan struct{}
}

func NewPipeline(db *store.DB, st *stats.Maintainer, media MediaSink, b *bus.Bus, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		db:       db,
		resolver: identity.NewResolver(db),
		stats:    st,
		media:    media,
		bus:      b,
		logger:   logger.Named("ingest"),
	}
}

// Start consumes network events from the bus until Stop is called.
func (p *Pipeline) Start() {
	ch, unsub := p.bus.Subscribe("wa.", 256)
	p.stop = unsub
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		for evt := range ch {
			p.dispatch(evt)
		}
	}()
}

// Stop unsubscribes from the bus and waits until every event already
// buffered has been processed, so callers can tear down the store afterwards.
func (p *Pipeline) Stop() {
	if p.stop != nil {
		p.stop()
	}
	if p.done != nil {
		<-p.done
	}
}

func (p *Pipeline) dispatch(evt bus.Event) {
	switch payload := evt.Payload.(type) {
	case MessageEvent:
		if _, err := p.IngestMessage(payload); err != nil {
			p.logger.Error("ingest message failed",
				zap.String("account", payload.Account), zap.String("wa_id", payload.WAID), zap.Error(err))
		}
	case ReactionEvent:
		if _, err := p.IngestReaction(payload); err != nil {
			p.logger.Error("ingest reaction failed",
				zap.String("account", payload.Account), zap.String("target", payload.TargetWAID), zap.Error(err))
		}
	case HistoryBatch:
		p.IngestHistory(payload)
	case ContactBatch:
		if err := p.IngestContacts(payload); err != nil {
			p.logger.Error("contact backfill failed", zap.String("account", payload.Account), zap.Error(err))
		}
	case AliasBatch:
		p.IngestAliases(payload)
	}
}

// IngestMessage runs one message through the full pipeline. Duplicates and
// undeliverable addresses are not errors; the outcome says what happened.
func (p *Pipeline) IngestMessage(ev MessageEvent) (Outcome, error) {
	// The event may carry the very pairing that makes its own address
	// resolvable, so record it before resolving.
	if ev.SenderAltJID != "" {
		p.observeAlias(ev.Account, ev.SenderJID, ev.SenderAltJID)
	}

	chat, err := p.resolver.Resolve(ev.Account, ev.ChatJID)
	if err != nil {
		if errors.Is(err, identity.ErrBroadcast) ||
			errors.Is(err, identity.ErrUnmapped) ||
			errors.Is(err, identity.ErrInvalid) {
			p.logger.Debug("message dropped",
				zap.String("account", ev.Account), zap.String("chat", ev.ChatJID), zap.Error(err))
			return Dropped, nil
		}
		return Dropped, err
	}

	contact, err := p.db.GetOrCreateContact(ev.Account, chat.String(), chat.IsGroup())
	if err != nil {
		return Dropped, err
	}

	if p.isSelfChat(chat, ev) && contact.Name == "" {
		if err := p.db.UpsertContactMeta(ev.Account, chat.String(), SelfChatName, "", false); err != nil {
			p.logger.Warn("label self chat failed", zap.Error(err))
		}
	}
	// Push names in groups belong to the participant, not the group contact.
	if !ev.FromMe && ev.PushName != "" && !chat.IsGroup() {
		if err := p.db.UpsertContactMeta(ev.Account, chat.String(), "", ev.PushName, false); err != nil {
			p.logger.Warn("push name update failed", zap.Error(err))
		}
	}

	msg := &store.Message{
		AccountID:  ev.Account,
		ContactID:  contact.ID,
		WAID:       ev.WAID,
		FromMe:     ev.FromMe,
		Body:       ev.Body,
		Type:       ev.Type,
		Timestamp:  ev.Timestamp,
		HasMedia:   ev.Media != nil || ev.Type.HasMedia(),
		QuotedWAID: ev.QuotedWAID,
		QuotedBody: ev.QuotedBody,
		Mentions:   normalizeMentions(ev.Mentions),
	}
	if chat.IsGroup() {
		msg.GroupSenderJID = p.resolveSender(ev.Account, ev.SenderJID)
	}

	created, err := p.db.InsertMessage(msg)
	if err != nil {
		return Dropped, err
	}
	if !created {
		return Duplicate, nil
	}

	p.stats.OnMessageCommitted(ev.Account, contact.ID, ev.Timestamp)

	p.bus.Publish(bus.Event{
		Kind:      "message.new",
		Account:   ev.Account,
		Timestamp: time.Now(),
		Payload:   msg,
	})

	if p.media != nil && ev.Media != nil && ev.Media.Fetch != nil && !ev.History {
		if !p.media.Enqueue(ev.Account, contact.ID, ev.WAID, ev.Media) {
			p.logger.Warn("media queue full, payload not offloaded",
				zap.String("account", ev.Account), zap.String("wa_id", ev.WAID))
		}
	}
	return Accepted, nil
}

// IngestReaction applies a reaction to its target message. Reactions to
// messages that were never committed are dropped.
func (p *Pipeline) IngestReaction(ev ReactionEvent) (Outcome, error) {
	target, err := p.db.GetMessageByWAID(ev.Account, ev.TargetWAID)
	if err != nil {
		return Dropped, err
	}
	if target == nil {
		p.logger.Debug("reaction to unknown message dropped",
			zap.String("account", ev.Account), zap.String("target", ev.TargetWAID))
		return Dropped, nil
	}

	if err := p.db.UpsertReaction(ev.Account, target.ID, ev.FromMe, ev.Emoji); err != nil {
		return Dropped, err
	}

	p.bus.Publish(bus.Event{
		Kind:      "message.reaction",
		Account:   ev.Account,
		Timestamp: time.Now(),
		Payload:   ev,
	})
	return Accepted, nil
}

// IngestHistory replays a backfill batch through the message path. Items the
// pipeline already holds dedup away.
func (p *Pipeline) IngestHistory(batch HistoryBatch) {
	var accepted, dupes int
	for _, ev := range batch.Messages {
		out, err := p.IngestMessage(ev)
		if err != nil {
			p.logger.Error("history item failed",
				zap.String("account", batch.Account), zap.String("wa_id", ev.WAID), zap.Error(err))
			continue
		}
		switch out {
		case Accepted:
			accepted++
		case Duplicate:
			dupes++
		}
	}
	p.logger.Info("history batch ingested",
		zap.String("account", batch.Account),
		zap.Int("total", len(batch.Messages)),
		zap.Int("accepted", accepted),
		zap.Int("duplicates", dupes))
}

// IngestContacts upserts a contact metadata batch.
func (p *Pipeline) IngestContacts(batch ContactBatch) error {
	normalized := make([]store.ContactUpsert, 0, len(batch.Contacts))
	for _, c := range batch.Contacts {
		addr, err := identity.Parse(c.JID)
		if err != nil {
			continue
		}
		c.JID = addr.String()
		c.IsGroup = addr.IsGroup()
		normalized = append(normalized, c)
	}
	if len(normalized) == 0 {
		return nil
	}
	return p.db.BulkUpsertContacts(batch.Account, normalized)
}

// IngestAliases persists observed address pairings so local-id references
// resolve from now on.
func (p *Pipeline) IngestAliases(batch AliasBatch) {
	for _, pair := range batch.Pairs {
		p.observeAlias(batch.Account, pair.JID, pair.Alias)
	}
}

// observeAlias records a canonical/temporary pairing regardless of which
// side the network handed us first.
func (p *Pipeline) observeAlias(account, a, b string) {
	addrA, errA := identity.Parse(a)
	addrB, errB := identity.Parse(b)
	if errA != nil || errB != nil {
		return
	}

	var canonical, alias identity.Address
	switch {
	case addrA.Kind == identity.KindUser && addrB.Kind == identity.KindLocalID:
		canonical, alias = addrA, addrB
	case addrB.Kind == identity.KindUser && addrA.Kind == identity.KindLocalID:
		canonical, alias = addrB, addrA
	default:
		return
	}

	if _, err := p.db.GetOrCreateContact(account, canonical.String(), false); err != nil {
		p.logger.Warn("alias contact create failed", zap.Error(err))
		return
	}
	if err := p.db.SaveAlias(account, canonical.String(), alias.String()); err != nil {
		p.logger.Warn("alias save failed", zap.Error(err))
	}
}

// resolveSender maps a group participant address to canonical form, falling
// back to the normalized raw address while its pairing is unknown.
func (p *Pipeline) resolveSender(account, senderJID string) string {
	addr, err := p.resolver.Resolve(account, senderJID)
	if err == nil {
		return addr.String()
	}
	if parsed, perr := identity.Parse(senderJID); perr == nil {
		return parsed.String()
	}
	return senderJID
}

// isSelfChat reports whether the message lives in the owner's own chat.
func (p *Pipeline) isSelfChat(chat identity.Address, ev MessageEvent) bool {
	if chat.IsGroup() || !ev.FromMe {
		return false
	}
	sender, err := identity.Parse(ev.SenderJID)
	if err != nil {
		return false
	}
	return sender.User == chat.User
}

func normalizeMentions(raw []string) []string {
	var out []string
	for _, m := range raw {
		if addr, err := identity.Parse(m); err == nil {
			out = append(out, addr.String())
		}
	}
	return out
}
