package stats

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ecamargo/kindred/internal/store"
)

const acc = "default"

func testMaintainer(t *testing.T) (*Maintainer, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewMaintainer(db, zap.NewNop()), db
}

func seedContact(t *testing.T, db *store.DB) *store.Contact {
	t.Helper()
	c, err := db.GetOrCreateContact(acc, "1@s.whatsapp.net", false)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func insert(t *testing.T, db *store.DB, contactID, waID string, ts int64, fromMe bool) {
	t.Helper()
	created, err := db.InsertMessage(&store.Message{
		AccountID: acc, ContactID: contactID, WAID: waID,
		FromMe: fromMe, Type: store.TypeText, Timestamp: ts,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatalf("message %q was a duplicate", waID)
	}
}

func TestOnMessageCommittedBumps(t *testing.T) {
	m, db := testMaintainer(t)
	c := seedContact(t, db)

	ts := time.Now().UnixMilli()
	m.OnMessageCommitted(acc, c.ID, ts)
	m.OnMessageCommitted(acc, c.ID, ts+1)

	got, _ := db.GetContact(acc, c.ID)
	if got.Count7d != 2 || got.Count30d != 2 || got.Count90d != 2 {
		t.Errorf("counters = %d/%d/%d, want 2/2/2", got.Count7d, got.Count30d, got.Count90d)
	}
	if got.LastInteractionAt != ts+1 {
		t.Errorf("last interaction = %d, want %d", got.LastInteractionAt, ts+1)
	}
}

func TestForContactRecomputesWhenNeverComputed(t *testing.T) {
	m, db := testMaintainer(t)
	c := seedContact(t, db)
	now := time.Now()

	insert(t, db, c.ID, "m1", now.Add(-time.Hour).UnixMilli(), false)
	insert(t, db, c.ID, "m2", now.Add(-10*24*time.Hour).UnixMilli(), true)

	// The counters were never stamped; the read path rebuilds them.
	st, err := m.ForContact(acc, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Count7d != 1 || st.Count30d != 2 || st.Count90d != 2 {
		t.Errorf("counters = %d/%d/%d, want 1/2/2", st.Count7d, st.Count30d, st.Count90d)
	}
	if st.TotalMessages != 2 || st.SentMessages != 1 || st.ReceivedMessages != 1 {
		t.Errorf("totals = %d/%d/%d, want 2/1/1", st.TotalMessages, st.SentMessages, st.ReceivedMessages)
	}
}

func TestForContactRecomputesWhenStale(t *testing.T) {
	m, db := testMaintainer(t)
	c := seedContact(t, db)
	now := time.Now()

	insert(t, db, c.ID, "m1", now.UnixMilli(), false)
	m.OnMessageCommitted(acc, c.ID, now.UnixMilli())

	// Age the stamp past the staleness window; the incremental counter has
	// drifted (the stored count includes a message now outside 7d).
	staleStamp := now.Add(-2 * StaleAfter).UnixMilli()
	if _, err := db.Exec(`UPDATE contacts SET stats_updated_at = ?, count_7d = 99 WHERE id = ?`, staleStamp, c.ID); err != nil {
		t.Fatal(err)
	}

	st, err := m.ForContact(acc, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Count7d != 1 {
		t.Errorf("count7d = %d, want 1 (stale counters rebuilt from messages)", st.Count7d)
	}
}

func TestForContactServesFreshCountersAsIs(t *testing.T) {
	m, db := testMaintainer(t)
	c := seedContact(t, db)
	now := time.Now()

	insert(t, db, c.ID, "m1", now.UnixMilli(), false)
	if err := db.RecomputeCounters(acc, c.ID, now); err != nil {
		t.Fatal(err)
	}

	// Mark the counters with a sentinel; a fresh stamp must not recompute.
	if _, err := db.Exec(`UPDATE contacts SET count_7d = 42 WHERE id = ?`, c.ID); err != nil {
		t.Fatal(err)
	}

	st, err := m.ForContact(acc, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Count7d != 42 {
		t.Errorf("count7d = %d, fresh counters must be served without recompute", st.Count7d)
	}
}

func TestForContactUnknown(t *testing.T) {
	m, _ := testMaintainer(t)
	_, err := m.ForContact(acc, "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// TestIncrementalMatchesRebuild is the agreement law: counters maintained by
// bumps equal counters rebuilt from scratch, including backfilled messages
// that fall outside some or all of the sliding windows.
func TestIncrementalMatchesRebuild(t *testing.T) {
	m, db := testMaintainer(t)
	c := seedContact(t, db)
	now := time.Now()

	ages := []time.Duration{
		time.Hour,
		3 * time.Hour,
		10 * 24 * time.Hour,  // outside 7d
		40 * 24 * time.Hour,  // outside 30d
		100 * 24 * time.Hour, // outside every window
	}
	for i, age := range ages {
		ts := now.Add(-age).UnixMilli()
		insert(t, db, c.ID, string(rune('a'+i)), ts, i%2 == 0)
		m.OnMessageCommitted(acc, c.ID, ts)
	}

	bumped, _ := db.GetContact(acc, c.ID)
	if err := db.RecomputeCounters(acc, c.ID, now); err != nil {
		t.Fatal(err)
	}
	rebuilt, _ := db.GetContact(acc, c.ID)

	if bumped.Count7d != rebuilt.Count7d || bumped.Count30d != rebuilt.Count30d || bumped.Count90d != rebuilt.Count90d {
		t.Errorf("bumped = %d/%d/%d, rebuilt = %d/%d/%d",
			bumped.Count7d, bumped.Count30d, bumped.Count90d,
			rebuilt.Count7d, rebuilt.Count30d, rebuilt.Count90d)
	}
	if rebuilt.Count7d != 2 || rebuilt.Count30d != 3 || rebuilt.Count90d != 4 {
		t.Errorf("rebuilt = %d/%d/%d, want 2/3/4", rebuilt.Count7d, rebuilt.Count30d, rebuilt.Count90d)
	}
}

func TestOnMessageCommittedBackfilledOutsideWindow(t *testing.T) {
	m, db := testMaintainer(t)
	c := seedContact(t, db)
	now := time.Now()

	insert(t, db, c.ID, "old", now.Add(-30*24*time.Hour-time.Hour).UnixMilli(), false)
	m.OnMessageCommitted(acc, c.ID, now.Add(-30*24*time.Hour-time.Hour).UnixMilli())

	got, _ := db.GetContact(acc, c.ID)
	if got.Count7d != 0 || got.Count30d != 0 {
		t.Errorf("counters = %d/%d, a month-old backfill must not inflate 7d/30d", got.Count7d, got.Count30d)
	}
	if got.Count90d != 1 {
		t.Errorf("count90d = %d, want 1", got.Count90d)
	}
}
