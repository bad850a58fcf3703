package wa

import (
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/ecamargo/kindred/internal/ingest"
	"github.com/ecamargo/kindred/internal/store"
)

// parsed is the outcome of normalizing one network message event. Exactly one
// of msg/reaction is meaningful unless drop is set.
type parsed struct {
	msg      ingest.MessageEvent
	reaction *ingest.ReactionEvent
	drop     bool

	// media is the raw downloadable payload reference for msg, when any.
	media whatsmeow.DownloadableMessage
}

// parseMessage normalizes a live message event. Reactions come back as a
// ReactionEvent; protocol messages and poll votes are dropped.
func parseMessage(evt *events.Message) parsed {
	msg := evt.Message
	if msg == nil {
		return parsed{drop: true}
	}

	if rm := msg.GetReactionMessage(); rm != nil {
		return parsed{reaction: &ingest.ReactionEvent{
			ChatJID:    evt.Info.Chat.String(),
			TargetWAID: rm.GetKey().GetID(),
			FromMe:     evt.Info.IsFromMe,
			Emoji:      rm.GetText(),
			Timestamp:  evt.Info.Timestamp.UnixMilli(),
		}}
	}
	if msg.GetProtocolMessage() != nil || msg.GetPollUpdateMessage() != nil {
		return parsed{drop: true}
	}

	out := parsed{msg: ingest.MessageEvent{
		ChatJID:   evt.Info.Chat.String(),
		SenderJID: evt.Info.Sender.String(),
		PushName:  evt.Info.PushName,
		WAID:      evt.Info.ID,
		FromMe:    evt.Info.IsFromMe,
		Body:      extractBody(msg),
		Type:      detectType(msg),
		Timestamp: evt.Info.Timestamp.UnixMilli(),
	}}
	if alt := evt.Info.SenderAlt; !alt.IsEmpty() {
		out.msg.SenderAltJID = alt.ToNonAD().String()
	}

	if ci := contextInfo(msg); ci != nil {
		out.msg.QuotedWAID = ci.GetStanzaID()
		out.msg.QuotedBody = extractBody(ci.GetQuotedMessage())
		out.msg.Mentions = ci.GetMentionedJID()
	}

	if dl, mime, size := downloadable(msg); dl != nil {
		out.media = dl
		out.msg.Media = &ingest.MediaInfo{Mime: mime, Size: int64(size)}
	}
	return out
}

// extractBody pulls the display text of a message: plain text first, then
// media captions, then the poll title.
func extractBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return doc.GetCaption()
	}
	if poll := msg.GetPollCreationMessage(); poll != nil {
		return poll.GetName()
	}
	if poll := msg.GetPollCreationMessageV2(); poll != nil {
		return poll.GetName()
	}
	if poll := msg.GetPollCreationMessageV3(); poll != nil {
		return poll.GetName()
	}
	return ""
}

func detectType(msg *waE2E.Message) store.MessageType {
	switch {
	case msg == nil:
		return store.TypeOther
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return store.TypeText
	case msg.GetImageMessage() != nil:
		return store.TypeImage
	case msg.GetVideoMessage() != nil:
		return store.TypeVideo
	case msg.GetAudioMessage() != nil:
		return store.TypeAudio
	case msg.GetDocumentMessage() != nil:
		return store.TypeDocument
	case msg.GetStickerMessage() != nil:
		return store.TypeSticker
	case msg.GetLocationMessage() != nil || msg.GetLiveLocationMessage() != nil:
		return store.TypeLocation
	case msg.GetContactMessage() != nil || msg.GetContactsArrayMessage() != nil:
		return store.TypeContactCard
	case msg.GetPollCreationMessage() != nil || msg.GetPollCreationMessageV2() != nil ||
		msg.GetPollCreationMessageV3() != nil:
		return store.TypePoll
	default:
		return store.TypeOther
	}
}

// contextInfo finds the context block carried by whichever part holds it.
func contextInfo(msg *waE2E.Message) *waE2E.ContextInfo {
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetContextInfo()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetContextInfo()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetContextInfo()
	}
	if aud := msg.GetAudioMessage(); aud != nil {
		return aud.GetContextInfo()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return doc.GetContextInfo()
	}
	if stk := msg.GetStickerMessage(); stk != nil {
		return stk.GetContextInfo()
	}
	return nil
}

func downloadable(msg *waE2E.Message) (whatsmeow.DownloadableMessage, string, uint64) {
	if img := msg.GetImageMessage(); img != nil {
		return img, img.GetMimetype(), img.GetFileLength()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid, vid.GetMimetype(), vid.GetFileLength()
	}
	if aud := msg.GetAudioMessage(); aud != nil {
		return aud, aud.GetMimetype(), aud.GetFileLength()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return doc, doc.GetMimetype(), doc.GetFileLength()
	}
	if stk := msg.GetStickerMessage(); stk != nil {
		return stk, stk.GetMimetype(), stk.GetFileLength()
	}
	return nil, "", 0
}
