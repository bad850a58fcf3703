package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ecamargo/kindred/internal/bus"
	"github.com/ecamargo/kindred/internal/stats"
	"github.com/ecamargo/kindred/internal/store"
)

const acc = "default"

type fakeSink struct {
	jobs []string
	full bool
}

func (f *fakeSink) Enqueue(account, contactID, waID string, info *MediaInfo) bool {
	if f.full {
		return false
	}
	f.jobs = append(f.jobs, waID)
	return true
}

func testPipeline(t *testing.T) (*Pipeline, *store.DB, *bus.Bus, *fakeSink) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()
	b := bus.New()
	sink := &fakeSink{}
	p := NewPipeline(db, stats.NewMaintainer(db, logger), sink, b, logger)
	return p, db, b, sink
}

func textEvent(waID, chat string, ts int64) MessageEvent {
	return MessageEvent{
		Account:   acc,
		ChatJID:   chat,
		SenderJID: chat,
		WAID:      waID,
		Body:      "hello",
		Type:      store.TypeText,
		Timestamp: ts,
	}
}

func TestIngestMessageCreatesContactAndCommits(t *testing.T) {
	p, db, b, _ := testPipeline(t)

	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	ev := textEvent("m1", "5511999990000@s.whatsapp.net", time.Now().UnixMilli())
	ev.PushName = "Maria"

	out, err := p.IngestMessage(ev)
	if err != nil {
		t.Fatal(err)
	}
	if out != Accepted {
		t.Fatalf("outcome = %v, want accepted", out)
	}

	c, err := db.GetContactByJID(acc, "5511999990000@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		t.Fatal("contact not created")
	}
	if c.PushName != "Maria" {
		t.Errorf("push name = %q, want Maria", c.PushName)
	}
	if c.LastInteractionAt != ev.Timestamp {
		t.Errorf("last interaction = %d, want %d", c.LastInteractionAt, ev.Timestamp)
	}
	if c.Count7d != 1 {
		t.Errorf("count7d = %d, want 1", c.Count7d)
	}

	msg, err := db.GetMessageByWAID(acc, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil || msg.Body != "hello" || msg.ContactID != c.ID {
		t.Fatalf("message = %+v", msg)
	}

	select {
	case evt := <-ch:
		if evt.Kind != "message.new" {
			t.Errorf("event = %q, want message.new", evt.Kind)
		}
		if evt.Account != acc {
			t.Errorf("event account = %q", evt.Account)
		}
	case <-time.After(time.Second):
		t.Fatal("no message.new event published")
	}
}

func TestIngestMessageDeduplicates(t *testing.T) {
	p, db, _, _ := testPipeline(t)

	ev := textEvent("m1", "5511999990000@s.whatsapp.net", 1000)
	if out, _ := p.IngestMessage(ev); out != Accepted {
		t.Fatalf("first delivery = %v", out)
	}
	if out, _ := p.IngestMessage(ev); out != Duplicate {
		t.Fatalf("second delivery should be duplicate")
	}

	// Duplicate deliveries must not bump counters twice.
	c, _ := db.GetContactByJID(acc, "5511999990000@s.whatsapp.net")
	if c.Count7d != 1 {
		t.Errorf("count7d = %d, want 1", c.Count7d)
	}
}

func TestIngestDropsBroadcast(t *testing.T) {
	p, _, _, _ := testPipeline(t)

	out, err := p.IngestMessage(textEvent("m1", "status@broadcast", 1000))
	if err != nil {
		t.Fatal(err)
	}
	if out != Dropped {
		t.Errorf("outcome = %v, want dropped", out)
	}
}

func TestIngestLocalIDNeedsPairing(t *testing.T) {
	p, db, _, _ := testPipeline(t)

	// Before the pairing is known the event is undeliverable.
	out, err := p.IngestMessage(textEvent("m1", "98765@lid", 1000))
	if err != nil {
		t.Fatal(err)
	}
	if out != Dropped {
		t.Fatalf("outcome = %v, want dropped before pairing", out)
	}

	p.IngestAliases(AliasBatch{Account: acc, Pairs: []AliasPair{
		{JID: "5511999990000@s.whatsapp.net", Alias: "98765@lid"},
	}})

	out, err = p.IngestMessage(textEvent("m2", "98765@lid", 2000))
	if err != nil {
		t.Fatal(err)
	}
	if out != Accepted {
		t.Fatalf("outcome = %v, want accepted after pairing", out)
	}

	msg, _ := db.GetMessageByWAID(acc, "m2")
	c, _ := db.GetContact(acc, msg.ContactID)
	if c.JID != "5511999990000@s.whatsapp.net" {
		t.Errorf("message filed under %q, want the canonical contact", c.JID)
	}
}

func TestIngestReactionLifecycle(t *testing.T) {
	p, db, _, _ := testPipeline(t)

	if out, _ := p.IngestMessage(textEvent("m1", "1@s.whatsapp.net", 1000)); out != Accepted {
		t.Fatal("setup message not accepted")
	}
	msg, _ := db.GetMessageByWAID(acc, "m1")

	react := func(emoji string) Outcome {
		out, err := p.IngestReaction(ReactionEvent{
			Account: acc, ChatJID: "1@s.whatsapp.net", TargetWAID: "m1", Emoji: emoji, Timestamp: 2000,
		})
		if err != nil {
			t.Fatal(err)
		}
		return out
	}

	if out := react("👍"); out != Accepted {
		t.Fatalf("reaction = %v", out)
	}
	if out := react("❤️"); out != Accepted {
		t.Fatalf("replacement = %v", out)
	}
	r, _ := db.GetReaction(acc, msg.ID, false)
	if r == nil || r.Emoji != "❤️" {
		t.Fatalf("reaction = %+v, replacement must win", r)
	}

	if out := react(""); out != Accepted {
		t.Fatalf("removal = %v", out)
	}
	r, _ = db.GetReaction(acc, msg.ID, false)
	if r != nil {
		t.Errorf("reaction should be removed, got %+v", r)
	}

	// Reaction to a message never committed is dropped, not an error.
	out, err := p.IngestReaction(ReactionEvent{Account: acc, TargetWAID: "ghost", Emoji: "👍"})
	if err != nil {
		t.Fatal(err)
	}
	if out != Dropped {
		t.Errorf("unknown target = %v, want dropped", out)
	}
}

func TestIngestHistoryOverlap(t *testing.T) {
	p, db, _, _ := testPipeline(t)

	// Two messages arrive live first.
	for _, id := range []string{"h1", "h2"} {
		if out, _ := p.IngestMessage(textEvent(id, "1@s.whatsapp.net", 1000)); out != Accepted {
			t.Fatal("live setup failed")
		}
	}

	// The backfill batch overlaps them.
	var batch HistoryBatch
	batch.Account = acc
	for i := 0; i < 5; i++ {
		ev := textEvent(fmt.Sprintf("h%d", i+1), "1@s.whatsapp.net", int64(1000+i))
		ev.History = true
		batch.Messages = append(batch.Messages, ev)
	}
	p.IngestHistory(batch)

	c, _ := db.GetContactByJID(acc, "1@s.whatsapp.net")
	msgs, err := db.ListMessages(acc, c.ID, 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 5 {
		t.Errorf("got %d messages, want 5 (overlap deduplicated)", len(msgs))
	}
}

func TestIngestSelfChatLabeled(t *testing.T) {
	p, db, _, _ := testPipeline(t)

	ev := textEvent("m1", "5511999990000@s.whatsapp.net", 1000)
	ev.FromMe = true
	ev.SenderJID = "5511999990000:3@s.whatsapp.net"
	if out, _ := p.IngestMessage(ev); out != Accepted {
		t.Fatal("self-chat message not accepted")
	}

	c, _ := db.GetContactByJID(acc, "5511999990000@s.whatsapp.net")
	if c.Name != SelfChatName {
		t.Errorf("name = %q, want %q", c.Name, SelfChatName)
	}
}

func TestIngestGroupMessage(t *testing.T) {
	p, db, _, _ := testPipeline(t)

	ev := MessageEvent{
		Account:   acc,
		ChatJID:   "12036304@g.us",
		SenderJID: "5511999990000:2@s.whatsapp.net",
		PushName:  "Maria",
		WAID:      "g1",
		Body:      "oi",
		Type:      store.TypeText,
		Timestamp: 1000,
	}
	if out, _ := p.IngestMessage(ev); out != Accepted {
		t.Fatal("group message not accepted")
	}

	c, _ := db.GetContactByJID(acc, "12036304@g.us")
	if !c.IsGroup {
		t.Error("group contact not flagged")
	}
	if c.PushName != "" {
		t.Errorf("group contact push name = %q, participant names must not land on the group", c.PushName)
	}

	msg, _ := db.GetMessageByWAID(acc, "g1")
	if msg.GroupSenderJID != "5511999990000@s.whatsapp.net" {
		t.Errorf("group sender = %q, want normalized participant", msg.GroupSenderJID)
	}
}

func TestIngestGroupSenderAliasObserved(t *testing.T) {
	p, db, _, _ := testPipeline(t)

	ev := MessageEvent{
		Account:      acc,
		ChatJID:      "12036304@g.us",
		SenderJID:    "5511999990000@s.whatsapp.net",
		SenderAltJID: "98765@lid",
		WAID:         "g1",
		Type:         store.TypeText,
		Timestamp:    1000,
	}
	if out, _ := p.IngestMessage(ev); out != Accepted {
		t.Fatal("group message not accepted")
	}

	// The observed pairing makes alias-only references deliverable.
	out, err := p.IngestMessage(textEvent("m2", "98765@lid", 2000))
	if err != nil {
		t.Fatal(err)
	}
	if out != Accepted {
		t.Fatalf("outcome = %v, alias should resolve after observation", out)
	}
	msg, _ := db.GetMessageByWAID(acc, "m2")
	c, _ := db.GetContact(acc, msg.ContactID)
	if c.JID != "5511999990000@s.whatsapp.net" {
		t.Errorf("filed under %q, want canonical contact", c.JID)
	}
}

func TestIngestMediaEnqueued(t *testing.T) {
	p, _, _, sink := testPipeline(t)

	live := textEvent("img1", "1@s.whatsapp.net", 1000)
	live.Type = store.TypeImage
	live.Media = &MediaInfo{
		Mime:  "image/jpeg",
		Fetch: func(ctx context.Context) ([]byte, error) { return []byte("x"), nil },
	}
	if out, _ := p.IngestMessage(live); out != Accepted {
		t.Fatal("media message not accepted")
	}
	if len(sink.jobs) != 1 || sink.jobs[0] != "img1" {
		t.Fatalf("sink jobs = %v, want [img1]", sink.jobs)
	}

	// Backfilled media is never offloaded.
	hist := textEvent("img2", "1@s.whatsapp.net", 2000)
	hist.Type = store.TypeImage
	hist.History = true
	hist.Media = &MediaInfo{
		Mime:  "image/jpeg",
		Fetch: func(ctx context.Context) ([]byte, error) { return []byte("x"), nil },
	}
	if out, _ := p.IngestMessage(hist); out != Accepted {
		t.Fatal("history media message not accepted")
	}
	if len(sink.jobs) != 1 {
		t.Errorf("sink jobs = %v, history must not enqueue", sink.jobs)
	}
}

func TestIngestContactsBatch(t *testing.T) {
	p, db, _, _ := testPipeline(t)

	err := p.IngestContacts(ContactBatch{Account: acc, Contacts: []store.ContactUpsert{
		{JID: "1@s.whatsapp.net", Name: "Alice"},
		{JID: "2@s.whatsapp.net", PushName: "bob"},
		{JID: "garbage"},
		{JID: "12036304@g.us", Name: "Familia"},
	}})
	if err != nil {
		t.Fatal(err)
	}

	a, _ := db.GetContactByJID(acc, "1@s.whatsapp.net")
	if a == nil || a.Name != "Alice" {
		t.Errorf("contact a = %+v", a)
	}
	g, _ := db.GetContactByJID(acc, "12036304@g.us")
	if g == nil || !g.IsGroup {
		t.Errorf("group contact = %+v", g)
	}
	bad, _ := db.GetContactByJID(acc, "garbage")
	if bad != nil {
		t.Error("malformed address must be skipped")
	}
}

func TestIngestLocalIDWithOwnPairingAccepted(t *testing.T) {
	p, db, _, _ := testPipeline(t)

	// The first message from an unknown local-id chat can itself carry the
	// permanent address; nothing should be lost waiting for a later event.
	ev := textEvent("m1", "98765@lid", 1000)
	ev.SenderAltJID = "5511999990000@s.whatsapp.net"

	out, err := p.IngestMessage(ev)
	if err != nil {
		t.Fatal(err)
	}
	if out != Accepted {
		t.Fatalf("outcome = %v, want accepted when the event carries its own pairing", out)
	}

	msg, _ := db.GetMessageByWAID(acc, "m1")
	if msg == nil {
		t.Fatal("message not committed")
	}
	c, _ := db.GetContact(acc, msg.ContactID)
	if c.JID != "5511999990000@s.whatsapp.net" {
		t.Errorf("message filed under %q, want the canonical contact", c.JID)
	}
}

func TestPipelineConsumesBus(t *testing.T) {
	p, db, b, _ := testPipeline(t)

	p.Start()
	defer p.Stop()

	b.Publish(bus.Event{
		Kind:    "wa.message",
		Account: acc,
		Payload: textEvent("m1", "1@s.whatsapp.net", 1000),
	})

	deadline := time.After(2 * time.Second)
	for {
		msg, err := db.GetMessageByWAID(acc, "m1")
		if err != nil {
			t.Fatal(err)
		}
		if msg != nil {
			return
		}
		select {
		case <-deadline:
			t.Fatal("message never committed from bus event")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStopDrainsBufferedEvents(t *testing.T) {
	p, db, b, _ := testPipeline(t)

	p.Start()
	for i := 0; i < 5; i++ {
		b.Publish(bus.Event{
			Kind:    "wa.message",
			Account: acc,
			Payload: textEvent(string(rune('a'+i)), "1@s.whatsapp.net", int64(1000+i)),
		})
	}
	p.Stop()

	// Stop returns only after the consumer drained the buffer, so the
	// commits are visible immediately and the store can be closed safely.
	for i := 0; i < 5; i++ {
		waID := string(rune('a' + i))
		msg, err := db.GetMessageByWAID(acc, waID)
		if err != nil {
			t.Fatal(err)
		}
		if msg == nil {
			t.Errorf("message %q not committed before Stop returned", waID)
		}
	}
}
