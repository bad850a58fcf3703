package wa

import (
	"context"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/ecamargo/kindred/internal/account"
	"github.com/ecamargo/kindred/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

// Adapter wraps the whatsmeow client for one account. Credential material
// lives in a per-account SQLite file; deleting that file resets the account
// to an unlinked state.
type Adapter struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	logger    *zap.Logger
	account   string
}

// NewAdapter opens the account's credential store and builds a client on it.
func NewAdapter(ctx context.Context, baseDir, accountID string, logger *zap.Logger) (*Adapter, error) {
	// Device name shown on the phone's linked devices list.
	wastore.SetOSInfo("Kindred", [3]uint32{0, 1, 0})

	if err := account.EnsureDir(baseDir, accountID); err != nil {
		return nil, fmt.Errorf("create account dir: %w", err)
	}
	dbPath := account.CredentialDBPath(baseDir, accountID)

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create credential store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	return &Adapter{
		client:    whatsmeow.NewClient(deviceStore, nil),
		container: container,
		logger:    logger,
		account:   accountID,
	}, nil
}

// Client returns the underlying whatsmeow client.
func (a *Adapter) Client() *whatsmeow.Client {
	return a.client
}

// IsLoggedIn returns whether the credential store holds a linked device.
func (a *Adapter) IsLoggedIn() bool {
	return a.client.Store.ID != nil
}

// Connect initiates the connection. Reconnection after transport faults is
// handled by the client itself.
func (a *Adapter) Connect() error {
	a.logger.Info("connecting", zap.String("account", a.account))
	return a.client.Connect()
}

// Disconnect terminates the connection without touching credentials.
func (a *Adapter) Disconnect() {
	a.logger.Info("disconnecting", zap.String("account", a.account))
	a.client.Disconnect()
}

// Logout invalidates the linked device server-side and clears credentials.
func (a *Adapter) Logout(ctx context.Context) error {
	return a.client.Logout(ctx)
}

// Close releases the credential store connection. The adapter is unusable
// afterwards; a credential reset builds a fresh one.
func (a *Adapter) Close() error {
	a.client.Disconnect()
	return a.container.Close()
}

// RegisterEventHandler adds a handler for whatsmeow events.
func (a *Adapter) RegisterEventHandler(handler whatsmeow.EventHandler) {
	a.client.AddEventHandler(handler)
}

// GetQRChannel returns the QR channel for pairing. Must be called before
// Connect on an unlinked client.
func (a *Adapter) GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	if a.IsLoggedIn() {
		return nil, fmt.Errorf("already logged in")
	}
	ch, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("get QR channel: %w", err)
	}
	return ch, nil
}

// PairPhone requests a pairing code for number-based linking, as an
// alternative to scanning the QR code.
func (a *Adapter) PairPhone(ctx context.Context, phone string) (string, error) {
	code, err := a.client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", fmt.Errorf("pair phone: %w", err)
	}
	return code, nil
}

// SendText sends a text message to the given JID. Returns the server message ID.
func (a *Adapter) SendText(ctx context.Context, jid string, text string) (string, int64, error) {
	to, err := types.ParseJID(jid)
	if err != nil {
		return "", 0, fmt.Errorf("parse JID: %w", err)
	}
	resp, err := a.client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", 0, fmt.Errorf("send message: %w", err)
	}
	return resp.ID, resp.Timestamp.UnixMilli(), nil
}

// SendMedia uploads a payload and sends it as the media message type matching
// its MIME type. Returns the server message ID.
func (a *Adapter) SendMedia(ctx context.Context, jid, mimeType, caption string, data []byte) (string, int64, error) {
	to, err := types.ParseJID(jid)
	if err != nil {
		return "", 0, fmt.Errorf("parse JID: %w", err)
	}

	var mediaType whatsmeow.MediaType
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		mediaType = whatsmeow.MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		mediaType = whatsmeow.MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		mediaType = whatsmeow.MediaAudio
	default:
		mediaType = whatsmeow.MediaDocument
	}

	uploaded, err := a.client.Upload(ctx, data, mediaType)
	if err != nil {
		return "", 0, fmt.Errorf("upload media: %w", err)
	}

	var msg *waE2E.Message
	switch mediaType {
	case whatsmeow.MediaImage:
		msg = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           &uploaded.URL,
			Mimetype:      &mimeType,
			Caption:       &caption,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &uploaded.FileLength,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
		}}
	case whatsmeow.MediaVideo:
		msg = &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           &uploaded.URL,
			Mimetype:      &mimeType,
			Caption:       &caption,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &uploaded.FileLength,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
		}}
	case whatsmeow.MediaAudio:
		msg = &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           &uploaded.URL,
			Mimetype:      &mimeType,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &uploaded.FileLength,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
		}}
	default:
		msg = &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL:           &uploaded.URL,
			Mimetype:      &mimeType,
			Title:         &caption,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &uploaded.FileLength,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
		}}
	}

	resp, err := a.client.SendMessage(ctx, to, msg)
	if err != nil {
		return "", 0, fmt.Errorf("send media message: %w", err)
	}
	return resp.ID, resp.Timestamp.UnixMilli(), nil
}

// DownloadPayload fetches and decrypts a media payload.
func (a *Adapter) DownloadPayload(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error) {
	return a.client.Download(ctx, msg)
}

// PhoneNumber returns the linked phone number, or empty when unlinked.
func (a *Adapter) PhoneNumber() string {
	if a.client.Store.ID == nil {
		return ""
	}
	return a.client.Store.ID.User
}

// Contacts returns the contact book from the credential store.
func (a *Adapter) Contacts(ctx context.Context) []store.ContactUpsert {
	all, err := a.client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		a.logger.Warn("read device contacts failed", zap.Error(err))
		return nil
	}
	var contacts []store.ContactUpsert
	for jid, info := range all {
		contacts = append(contacts, store.ContactUpsert{
			JID:      jid.ToNonAD().String(),
			Name:     info.FullName,
			PushName: info.PushName,
		})
	}
	return contacts
}

// AliasPairs returns the local-id pairings the credential store knows for the
// contact book, as canonical/alias address string pairs.
func (a *Adapter) AliasPairs(ctx context.Context) [][2]string {
	if a.client.Store.LIDs == nil {
		return nil
	}
	all, err := a.client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil
	}
	var pairs [][2]string
	for jid := range all {
		normalized := jid.ToNonAD()
		if normalized.Server != types.DefaultUserServer {
			continue
		}
		lid, err := a.client.Store.LIDs.GetLIDForPN(ctx, normalized)
		if err == nil && !lid.IsEmpty() {
			pairs = append(pairs, [2]string{normalized.String(), lid.String()})
		}
	}
	return pairs
}
