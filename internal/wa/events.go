package wa

import (
	"context"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"

	"github.com/ecamargo/kindred/internal/bus"
	"github.com/ecamargo/kindred/internal/ingest"
	"github.com/ecamargo/kindred/internal/status"
	"github.com/ecamargo/kindred/internal/store"
)

// CloseCause describes why a connection ended. Terminal causes mean the
// credentials are no longer valid and must be discarded.
type CloseCause struct {
	Code     int
	Reason   string
	Terminal bool
}

// Lifecycle receives connection lifecycle callbacks. The engine implements
// this to converge its bookkeeping with what the transport actually did.
type Lifecycle interface {
	HandleConnected(phoneNumber string)
	HandleDisconnected(cause CloseCause)
}

// EventHandler processes whatsmeow events for one account: it drives the
// state machine, notifies the engine, and publishes normalized domain events
// on the bus for the ingestion pipeline.
type EventHandler struct {
	account   string
	adapter   *Adapter
	bus       *bus.Bus
	machine   *status.Machine
	lifecycle Lifecycle
	logger    *zap.Logger
}

// NewEventHandler creates a new event handler.
func NewEventHandler(accountID string, adapter *Adapter, b *bus.Bus, machine *status.Machine, lc Lifecycle, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		account:   accountID,
		adapter:   adapter,
		bus:       b,
		machine:   machine,
		lifecycle: lc,
		logger:    logger,
	}
}

// Handle is the whatsmeow event handler function.
func (h *EventHandler) Handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		h.handleMessage(evt)
	case *events.Connected:
		h.handleConnected()
	case *events.Disconnected:
		h.logger.Warn("disconnected", zap.String("account", h.account))
		_ = h.machine.Transition(status.Idle)
		h.lifecycle.HandleDisconnected(CloseCause{Reason: "connection closed"})
		h.publish("session.disconnected", nil)
	case *events.LoggedOut:
		h.logger.Warn("logged out", zap.String("account", h.account), zap.String("reason", evt.Reason.String()))
		cause := CloseCause{Code: int(evt.Reason), Reason: evt.Reason.String(), Terminal: true}
		h.machine.SetError(cause.Code, cause.Reason, true)
		_ = h.machine.Transition(status.Idle)
		h.lifecycle.HandleDisconnected(cause)
		h.publish("session.logged_out", cause)
	case *events.ConnectFailure:
		terminal := evt.Reason == events.ConnectFailureLoggedOut || int(evt.Reason) == 401
		cause := CloseCause{Code: int(evt.Reason), Reason: evt.Reason.String(), Terminal: terminal}
		h.logger.Warn("connect failure",
			zap.String("account", h.account), zap.Int("code", cause.Code), zap.Bool("terminal", terminal))
		h.machine.SetError(cause.Code, cause.Reason, terminal)
		_ = h.machine.Transition(status.Idle)
		h.lifecycle.HandleDisconnected(cause)
		h.publish("session.connect_failure", cause)
	case *events.HistorySync:
		h.handleHistorySync(evt)
	case *events.PushName:
		h.publish("wa.contacts", ingest.ContactBatch{
			Account: h.account,
			Contacts: []store.ContactUpsert{{
				JID:      evt.JID.ToNonAD().String(),
				PushName: evt.NewPushName,
			}},
		})
	case *events.Contact:
		h.publish("wa.contacts", ingest.ContactBatch{
			Account: h.account,
			Contacts: []store.ContactUpsert{{
				JID:  evt.JID.ToNonAD().String(),
				Name: evt.Action.GetFullName(),
			}},
		})
	}
}

func (h *EventHandler) handleConnected() {
	h.logger.Info("connected", zap.String("account", h.account))
	h.machine.ClearError()
	if h.machine.Current() != status.Connected {
		_ = h.machine.Transition(status.Connected)
	}
	h.lifecycle.HandleConnected(h.adapter.PhoneNumber())
	h.publish("session.connected", nil)

	// Backfill the contact book and known address pairings off the event
	// goroutine; the pipeline upserts them.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if contacts := h.adapter.Contacts(ctx); len(contacts) > 0 {
			h.publish("wa.contacts", ingest.ContactBatch{Account: h.account, Contacts: contacts})
		}
		if raw := h.adapter.AliasPairs(ctx); len(raw) > 0 {
			pairs := make([]ingest.AliasPair, 0, len(raw))
			for _, p := range raw {
				pairs = append(pairs, ingest.AliasPair{JID: p[0], Alias: p[1]})
			}
			h.publish("wa.aliases", ingest.AliasBatch{Account: h.account, Pairs: pairs})
		}
	}()
}

func (h *EventHandler) handleMessage(evt *events.Message) {
	p := parseMessage(evt)
	if p.drop {
		return
	}
	if p.reaction != nil {
		p.reaction.Account = h.account
		h.publish("wa.reaction", *p.reaction)
		return
	}

	p.msg.Account = h.account
	if p.msg.Media != nil {
		dl := p.media
		p.msg.Media.Fetch = func(ctx context.Context) ([]byte, error) {
			return h.adapter.DownloadPayload(ctx, dl)
		}
	}
	h.publish("wa.message", p.msg)
}

func (h *EventHandler) handleHistorySync(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}

	var msgs []ingest.MessageEvent
	for _, conv := range data.GetConversations() {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		for _, hm := range conv.GetMessages() {
			webMsg := hm.GetMessage()
			if webMsg == nil {
				continue
			}
			live, err := h.adapter.Client().ParseWebMessage(chatJID, webMsg)
			if err != nil {
				continue
			}
			p := parseMessage(live)
			if p.drop || p.reaction != nil {
				continue
			}
			p.msg.Account = h.account
			p.msg.History = true
			// Backfilled media stays on the network; no fetch closure.
			p.msg.Media = nil
			msgs = append(msgs, p.msg)
		}
	}

	if len(msgs) > 0 {
		h.publish("wa.history", ingest.HistoryBatch{Account: h.account, Messages: msgs})
	}
}

func (h *EventHandler) publish(kind string, payload any) {
	h.bus.Publish(bus.Event{
		Kind:      kind,
		Account:   h.account,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// Register attaches the handler to the adapter's client.
func (h *EventHandler) Register() {
	h.adapter.RegisterEventHandler(whatsmeow.EventHandler(h.Handle))
}
