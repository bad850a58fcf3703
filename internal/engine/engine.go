// Package engine owns the lifecycle of linked accounts: initialization and
// credential challenges, connection convergence, outbound sends and
// credential resets.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.uber.org/zap"

	"github.com/ecamargo/kindred/internal/account"
	"github.com/ecamargo/kindred/internal/bus"
	"github.com/ecamargo/kindred/internal/identity"
	"github.com/ecamargo/kindred/internal/ingest"
	"github.com/ecamargo/kindred/internal/status"
	"github.com/ecamargo/kindred/internal/store"
	"github.com/ecamargo/kindred/internal/wa"
)

// ChallengeTimeout bounds how long Initialize waits for the network to issue
// a credential challenge.
const ChallengeTimeout = 30 * time.Second

var (
	// ErrInitInProgress is returned when an initialization for the account is
	// already running; callers wait for that one instead of racing it.
	ErrInitInProgress = errors.New("initialization already in progress")
	// ErrChallengeTimeout means the network never produced a challenge.
	ErrChallengeTimeout = errors.New("timed out waiting for credential challenge")
	// ErrNotConnected is returned for operations that need a live session.
	ErrNotConnected = errors.New("account not connected")
	// ErrAlreadyLinked is returned when pairing is requested for an account
	// that already holds credentials.
	ErrAlreadyLinked = errors.New("account already linked")
)

// Transport is the slice of the network adapter the engine drives. The
// concrete implementation is wa.Adapter; tests substitute fakes.
type Transport interface {
	IsLoggedIn() bool
	Connect() error
	Disconnect()
	Logout(ctx context.Context) error
	Close() error
	GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	PairPhone(ctx context.Context, phone string) (string, error)
	SendText(ctx context.Context, jid, text string) (string, int64, error)
	SendMedia(ctx context.Context, jid, mimeType, caption string, data []byte) (string, int64, error)
	PhoneNumber() string
}

// TransportFactory builds a transport for an account. The default factory
// constructs a wa.Adapter and wires its event handler back into the engine.
type TransportFactory func(ctx context.Context, e *Engine) (Transport, error)

// OutboundMedia is an attachment for an outbound message.
type OutboundMedia struct {
	Mime    string
	Caption string
	Data    []byte
}

// SessionStatus is the engine's answer to a status query.
type SessionStatus struct {
	Account     string
	State       status.State
	PhoneNumber string
	LastError   *status.SessionError
}

// Engine manages one account's session. All state mutations are serialized
// through the mutex; transport callbacks converge the bookkeeping with what
// the connection actually did.
type Engine struct {
	account  string
	baseDir  string
	db       *store.DB
	bus      *bus.Bus
	machine  *status.Machine
	pipeline *ingest.Pipeline
	logger   *zap.Logger

	newTransport TransportFactory

	mu           sync.Mutex
	initializing bool
	transport    Transport
}

func New(accountID, baseDir string, db *store.DB, b *bus.Bus, pipeline *ingest.Pipeline, logger *zap.Logger, factory TransportFactory) *Engine {
	e := &Engine{
		account:      accountID,
		baseDir:      baseDir,
		db:           db,
		bus:          b,
		machine:      status.NewMachine(accountID, b),
		pipeline:     pipeline,
		logger:       logger.Named("engine").With(zap.String("account", accountID)),
		newTransport: factory,
	}
	if e.newTransport == nil {
		e.newTransport = defaultFactory
	}
	return e
}

func defaultFactory(ctx context.Context, e *Engine) (Transport, error) {
	adapter, err := wa.NewAdapter(ctx, e.baseDir, e.account, e.logger)
	if err != nil {
		return nil, err
	}
	handler := wa.NewEventHandler(e.account, adapter, e.bus, e.machine, e, e.logger)
	handler.Register()
	return adapter, nil
}

// Initialize brings the account toward a connected session. For a linked
// account it connects and returns no challenge; for an unlinked one it
// returns the credential challenge to present to the user. A no-op when the
// session is already connected; concurrent calls are rejected rather than
// stacked.
func (e *Engine) Initialize(ctx context.Context) (*Challenge, error) {
	if e.machine.Current() == status.Connected {
		return nil, nil
	}
	e.mu.Lock()
	if e.initializing {
		e.mu.Unlock()
		return nil, ErrInitInProgress
	}
	e.initializing = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.initializing = false
		e.mu.Unlock()
	}()

	t, err := e.ensureTransport(ctx)
	if err != nil {
		return nil, err
	}

	if t.IsLoggedIn() {
		if err := t.Connect(); err != nil && !errors.Is(err, whatsmeow.ErrAlreadyConnected) {
			e.machine.SetError(0, err.Error(), false)
			return nil, fmt.Errorf("connect: %w", err)
		}
		return nil, nil
	}

	// Unlinked: request a challenge before connecting.
	if e.machine.Current() == status.Idle {
		_ = e.machine.Transition(status.AwaitingCredential)
	}
	qrChan, err := t.GetQRChannel(ctx)
	if err != nil {
		_ = e.machine.Transition(status.Idle)
		return nil, err
	}
	if err := t.Connect(); err != nil {
		_ = e.machine.Transition(status.Idle)
		e.machine.SetError(0, err.Error(), false)
		return nil, fmt.Errorf("connect: %w", err)
	}

	select {
	case item, ok := <-qrChan:
		if !ok || item.Error != nil {
			_ = e.machine.Transition(status.Idle)
			if item.Error != nil {
				return nil, fmt.Errorf("credential challenge: %w", item.Error)
			}
			return nil, ErrChallengeTimeout
		}
		go e.watchChallenge(qrChan)
		return &Challenge{QR: item.Code}, nil
	case <-time.After(ChallengeTimeout):
		t.Disconnect()
		_ = e.machine.Transition(status.Idle)
		return nil, ErrChallengeTimeout
	case <-ctx.Done():
		t.Disconnect()
		_ = e.machine.Transition(status.Idle)
		return nil, ctx.Err()
	}
}

// watchChallenge drains the rest of the challenge channel. Success arrives
// through the connected event; expiry lands the machine back in Idle.
func (e *Engine) watchChallenge(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "success":
			return
		case "timeout":
			e.logger.Info("credential challenge expired")
			e.machine.SetError(0, "challenge expired", false)
			if e.machine.Current() == status.AwaitingCredential {
				_ = e.machine.Transition(status.Idle)
			}
			return
		}
	}
}

// Pair requests a pairing code for number-based linking. The account must be
// mid-initialization, showing a challenge.
func (e *Engine) Pair(ctx context.Context, phone string) (string, error) {
	e.mu.Lock()
	t := e.transport
	e.mu.Unlock()
	if t == nil {
		return "", ErrNotConnected
	}
	if t.IsLoggedIn() {
		return "", ErrAlreadyLinked
	}
	return t.PairPhone(ctx, phone)
}

// Disconnect handles a user-requested disconnect: the linked device is
// logged out best-effort, credential material is always discarded and local
// state converges to disconnected. The next Initialize issues a fresh
// challenge. Always reports success; remote cleanup failures only log.
func (e *Engine) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	t := e.transport
	e.mu.Unlock()

	if t != nil {
		if err := t.Logout(ctx); err != nil {
			e.logger.Warn("remote logout failed, converging locally", zap.Error(err))
			t.Disconnect()
		}
	}
	if e.machine.Current() == status.Connected {
		_ = e.machine.Transition(status.Closing)
	}
	if err := e.ResetCredentials(); err != nil {
		e.logger.Warn("credential cleanup failed", zap.Error(err))
		return e.db.UpsertSessionStatus(e.account, store.SessionDisconnected)
	}
	return nil
}

// Logout fully forgets the account: disconnect semantics plus removal of the
// session row.
func (e *Engine) Logout(ctx context.Context) error {
	if err := e.Disconnect(ctx); err != nil {
		return err
	}
	return e.db.DeleteSession(e.account)
}

// ResetCredentials discards the account's credential material. The next
// Initialize starts from an unlinked state with a fresh challenge.
func (e *Engine) ResetCredentials() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.transport != nil {
		if err := e.transport.Close(); err != nil {
			e.logger.Warn("close transport failed", zap.Error(err))
		}
		e.transport = nil
	}

	dbPath := account.CredentialDBPath(e.baseDir, e.account)
	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove credential store: %w", err)
		}
	}

	if e.machine.Current() != status.Idle {
		_ = e.machine.Transition(status.Idle)
	}
	e.logger.Info("credentials reset")
	return e.db.UpsertSessionStatus(e.account, store.SessionDisconnected)
}

// SendMessage sends a text or media message and commits it through the same
// ingestion path incoming messages take, so the local record carries the
// server-assigned id and timestamp.
func (e *Engine) SendMessage(ctx context.Context, toJID, text string, media *OutboundMedia) (*store.Message, error) {
	if e.machine.Current() != status.Connected {
		return nil, ErrNotConnected
	}
	e.mu.Lock()
	t := e.transport
	e.mu.Unlock()
	if t == nil {
		return nil, ErrNotConnected
	}

	addr, err := identity.Parse(toJID)
	if err != nil {
		return nil, err
	}

	var (
		waID    string
		ts      int64
		msgType = store.TypeText
	)
	if media != nil {
		waID, ts, err = t.SendMedia(ctx, addr.String(), media.Mime, media.Caption, media.Data)
		msgType = typeForMime(media.Mime)
		if text == "" {
			text = media.Caption
		}
	} else {
		waID, ts, err = t.SendText(ctx, addr.String(), text)
	}
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}

	ev := ingest.MessageEvent{
		Account:   e.account,
		ChatJID:   addr.String(),
		SenderJID: t.PhoneNumber() + "@" + identity.ServerUser,
		WAID:      waID,
		FromMe:    true,
		Body:      text,
		Type:      msgType,
		Timestamp: ts,
	}
	if _, err := e.pipeline.IngestMessage(ev); err != nil {
		return nil, fmt.Errorf("commit sent message: %w", err)
	}
	return e.db.GetMessageByWAID(e.account, waID)
}

// Status reports the session state, error sub-state and linked number.
func (e *Engine) Status() SessionStatus {
	e.mu.Lock()
	t := e.transport
	e.mu.Unlock()

	st := SessionStatus{
		Account:   e.account,
		State:     e.machine.Current(),
		LastError: e.machine.LastError(),
	}
	if t != nil {
		st.PhoneNumber = t.PhoneNumber()
	}
	return st
}

// Machine exposes the state machine for observers.
func (e *Engine) Machine() *status.Machine {
	return e.machine
}

// HandleConnected implements wa.Lifecycle.
func (e *Engine) HandleConnected(phoneNumber string) {
	if err := e.db.MarkSessionConnected(e.account, phoneNumber, time.Now()); err != nil {
		e.logger.Warn("persist connected state failed", zap.Error(err))
	}
}

// HandleDisconnected implements wa.Lifecycle. Terminal causes discard the
// credential material so the next initialization re-links from scratch.
func (e *Engine) HandleDisconnected(cause wa.CloseCause) {
	if err := e.db.MarkSessionDisconnected(e.account, cause.Code, cause.Reason); err != nil {
		e.logger.Warn("persist disconnected state failed", zap.Error(err))
	}
	if cause.Terminal {
		go func() {
			if err := e.ResetCredentials(); err != nil {
				e.logger.Error("credential reset failed", zap.Error(err))
			}
		}()
	}
}

// Shutdown disconnects and releases the transport.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.transport != nil {
		if err := e.transport.Close(); err != nil {
			e.logger.Warn("close transport failed", zap.Error(err))
		}
		e.transport = nil
	}
}

func (e *Engine) ensureTransport(ctx context.Context) (Transport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.transport != nil {
		return e.transport, nil
	}
	t, err := e.newTransport(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	e.transport = t
	return t, nil
}

func typeForMime(mimeType string) store.MessageType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return store.TypeImage
	case strings.HasPrefix(mimeType, "video/"):
		return store.TypeVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return store.TypeAudio
	default:
		return store.TypeDocument
	}
}
