package wa

import (
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/ecamargo/kindred/internal/store"
)

func TestExtractBody(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"nil message", nil, ""},
		{"conversation", &waE2E.Message{Conversation: proto.String("hello")}, "hello"},
		{"extended text", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("extended")}}, "extended"},
		{"image caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("sunset")}}, "sunset"},
		{"image without caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, ""},
		{"video caption", &waE2E.Message{VideoMessage: &waE2E.VideoMessage{Caption: proto.String("clip")}}, "clip"},
		{"document caption", &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{Caption: proto.String("invoice")}}, "invoice"},
		{"poll title", &waE2E.Message{PollCreationMessage: &waE2E.PollCreationMessage{Name: proto.String("lunch?")}}, "lunch?"},
		{"poll v3 title", &waE2E.Message{PollCreationMessageV3: &waE2E.PollCreationMessage{Name: proto.String("dinner?")}}, "dinner?"},
		{"empty conversation", &waE2E.Message{Conversation: proto.String("")}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractBody(tt.msg)
			if got != tt.want {
				t.Errorf("extractBody() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectType(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want store.MessageType
	}{
		{"nil", nil, store.TypeOther},
		{"conversation", &waE2E.Message{Conversation: proto.String("hi")}, store.TypeText},
		{"extended text", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("hi")}}, store.TypeText},
		{"image", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, store.TypeImage},
		{"video", &waE2E.Message{VideoMessage: &waE2E.VideoMessage{}}, store.TypeVideo},
		{"audio", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}, store.TypeAudio},
		{"document", &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{}}, store.TypeDocument},
		{"sticker", &waE2E.Message{StickerMessage: &waE2E.StickerMessage{}}, store.TypeSticker},
		{"location", &waE2E.Message{LocationMessage: &waE2E.LocationMessage{}}, store.TypeLocation},
		{"live location", &waE2E.Message{LiveLocationMessage: &waE2E.LiveLocationMessage{}}, store.TypeLocation},
		{"contact card", &waE2E.Message{ContactMessage: &waE2E.ContactMessage{}}, store.TypeContactCard},
		{"contacts array", &waE2E.Message{ContactsArrayMessage: &waE2E.ContactsArrayMessage{}}, store.TypeContactCard},
		{"poll", &waE2E.Message{PollCreationMessage: &waE2E.PollCreationMessage{}}, store.TypePoll},
		{"empty message", &waE2E.Message{}, store.TypeOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := detectType(tt.msg)
			if got != tt.want {
				t.Errorf("detectType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func liveEvent(id string, msg *waE2E.Message) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			ID:        id,
			PushName:  "Alice",
			Timestamp: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC),
			MessageSource: types.MessageSource{
				Chat:   types.JID{User: "5511888880000", Server: types.DefaultUserServer},
				Sender: types.JID{User: "5511888880000", Server: types.DefaultUserServer},
			},
		},
		Message: msg,
	}
}

func TestParseMessageText(t *testing.T) {
	evt := liveEvent("MSG1", &waE2E.Message{Conversation: proto.String("hello world")})
	evt.Info.IsFromMe = true

	p := parseMessage(evt)
	if p.drop || p.reaction != nil {
		t.Fatalf("parsed = %+v, want a plain message", p)
	}
	if p.msg.ChatJID != "5511888880000@s.whatsapp.net" {
		t.Errorf("ChatJID = %q", p.msg.ChatJID)
	}
	if p.msg.WAID != "MSG1" || p.msg.Body != "hello world" || p.msg.Type != store.TypeText {
		t.Errorf("msg = %+v", p.msg)
	}
	if !p.msg.FromMe {
		t.Error("FromMe = false, want true")
	}
	if p.msg.PushName != "Alice" {
		t.Errorf("PushName = %q", p.msg.PushName)
	}
	if p.msg.Timestamp != evt.Info.Timestamp.UnixMilli() {
		t.Errorf("Timestamp = %d", p.msg.Timestamp)
	}
	if p.media != nil {
		t.Error("text message must not carry a media reference")
	}
}

func TestParseMessageSenderAlt(t *testing.T) {
	evt := liveEvent("MSG2", &waE2E.Message{Conversation: proto.String("hi")})
	evt.Info.SenderAlt = types.JID{User: "9812345", Server: types.HiddenUserServer, Device: 4}

	p := parseMessage(evt)
	if p.msg.SenderAltJID != "9812345@lid" {
		t.Errorf("SenderAltJID = %q, want 9812345@lid (device suffix stripped)", p.msg.SenderAltJID)
	}
}

func TestParseMessageReaction(t *testing.T) {
	evt := liveEvent("R1", &waE2E.Message{
		ReactionMessage: &waE2E.ReactionMessage{
			Key:  &waCommon.MessageKey{ID: proto.String("TARGET1")},
			Text: proto.String("❤️"),
		},
	})

	p := parseMessage(evt)
	if p.reaction == nil {
		t.Fatal("reaction not parsed")
	}
	if p.reaction.TargetWAID != "TARGET1" || p.reaction.Emoji != "❤️" {
		t.Errorf("reaction = %+v", p.reaction)
	}
	if p.reaction.ChatJID != "5511888880000@s.whatsapp.net" {
		t.Errorf("ChatJID = %q", p.reaction.ChatJID)
	}
}

func TestParseMessageDrops(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
	}{
		{"nil payload", nil},
		{"protocol message", &waE2E.Message{ProtocolMessage: &waE2E.ProtocolMessage{}}},
		{"poll vote", &waE2E.Message{PollUpdateMessage: &waE2E.PollUpdateMessage{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := parseMessage(liveEvent("X", tt.msg))
			if !p.drop {
				t.Errorf("parseMessage() = %+v, want drop", p)
			}
		})
	}
}

func TestParseMessageQuoteAndMentions(t *testing.T) {
	evt := liveEvent("MSG3", &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String("replying @you"),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:      proto.String("ORIG1"),
				QuotedMessage: &waE2E.Message{Conversation: proto.String("original text")},
				MentionedJID:  []string{"5511777770000@s.whatsapp.net"},
			},
		},
	})

	p := parseMessage(evt)
	if p.msg.QuotedWAID != "ORIG1" {
		t.Errorf("QuotedWAID = %q", p.msg.QuotedWAID)
	}
	if p.msg.QuotedBody != "original text" {
		t.Errorf("QuotedBody = %q", p.msg.QuotedBody)
	}
	if len(p.msg.Mentions) != 1 || p.msg.Mentions[0] != "5511777770000@s.whatsapp.net" {
		t.Errorf("Mentions = %v", p.msg.Mentions)
	}
}

func TestParseMessageMedia(t *testing.T) {
	evt := liveEvent("IMG1", &waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{
			Caption:    proto.String("sunset"),
			Mimetype:   proto.String("image/jpeg"),
			FileLength: proto.Uint64(2048),
		},
	})

	p := parseMessage(evt)
	if p.media == nil {
		t.Fatal("downloadable reference not captured")
	}
	if p.msg.Media == nil {
		t.Fatal("media info not set")
	}
	if p.msg.Media.Mime != "image/jpeg" || p.msg.Media.Size != 2048 {
		t.Errorf("media = %+v", p.msg.Media)
	}
	if p.msg.Body != "sunset" || p.msg.Type != store.TypeImage {
		t.Errorf("msg = %+v", p.msg)
	}
}
