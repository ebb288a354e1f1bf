package tabsync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/agentworkforce/tabsync/internal/ephemeral"
	"github.com/agentworkforce/tabsync/internal/store"
)

func newTestEngine(t *testing.T, durable store.Store, mutate func(*Options)) *Engine {
	t.Helper()
	opts := Options{Logger: testLog(), Durable: durable}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("engine start failed: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition never held: %s", msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUpsertRequiresResolvedIdentity(t *testing.T) {
	shared := store.NewMemoryStore()
	t.Cleanup(func() { _ = shared.Close() })
	e := newTestEngine(t, shared, nil)

	err := e.UpsertTab(context.Background(), validTab("a"))
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("mutations before identity resolution must fail closed, got %v", err)
	}
}

func TestUpsertStampsIdentityOnNewRecords(t *testing.T) {
	shared := store.NewMemoryStore()
	t.Cleanup(func() { _ = shared.Close() })
	e := newTestEngine(t, shared, nil)
	e.SetIdentity(1, strPtr("w1"))

	if err := e.UpsertTab(context.Background(), validTab("a")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	tabs := e.Tabs()
	if len(tabs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(tabs))
	}
	if tabs[0].OwnerID == nil || *tabs[0].OwnerID != 1 {
		t.Fatalf("new record must carry the creator's owner id, got %v", tabs[0].OwnerID)
	}
	if tabs[0].ScopeID == nil || *tabs[0].ScopeID != "w1" {
		t.Fatalf("new record must carry the creator's scope, got %v", tabs[0].ScopeID)
	}

	payload, err := shared.Get(context.Background(), defaultStateKey)
	if err != nil {
		t.Fatalf("state not persisted: %v", err)
	}
	doc, err := DecodeStateDocument(payload)
	if err != nil {
		t.Fatalf("persisted state undecodable: %v", err)
	}
	if len(doc.Tabs) != 1 || *doc.Tabs[0].OwnerID != 1 {
		t.Fatalf("persisted record lost its owner: %+v", doc.Tabs)
	}
}

func TestOwnershipPairPreservedAcrossMutations(t *testing.T) {
	shared := store.NewMemoryStore()
	t.Cleanup(func() { _ = shared.Close() })
	e := newTestEngine(t, shared, nil)
	e.SetIdentity(1, strPtr("w1"))

	if err := e.UpsertTab(context.Background(), validTab("a")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	// A later upsert that arrives with the ownership fields blanked out must
	// not strip them from the stored record.
	update := validTab("a")
	update.Title = "renamed"
	if err := e.UpsertTab(context.Background(), update); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	tabs := e.Tabs()
	if tabs[0].OwnerID == nil || *tabs[0].OwnerID != 1 {
		t.Fatalf("mutation coerced owner id to %v", tabs[0].OwnerID)
	}
	if tabs[0].Title != "renamed" {
		t.Fatalf("mutation lost the title change")
	}
}

func TestRemoveLastRecordPersistsEmptyBatch(t *testing.T) {
	shared := store.NewMemoryStore()
	t.Cleanup(func() { _ = shared.Close() })
	e := newTestEngine(t, shared, nil)
	e.SetIdentity(1, strPtr("w1"))

	if err := e.UpsertTab(context.Background(), validTab("a")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := e.RemoveTab(context.Background(), "a"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	payload, err := shared.Get(context.Background(), defaultStateKey)
	if err != nil {
		t.Fatalf("state missing: %v", err)
	}
	var doc StateDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(doc.Tabs) != 0 {
		t.Fatalf("closing the last record must persist an empty batch, got %d tabs", len(doc.Tabs))
	}
}

func TestSelfEchoConfirmsTransaction(t *testing.T) {
	shared := store.NewMemoryStore()
	t.Cleanup(func() { _ = shared.Close() })
	e := newTestEngine(t, shared, func(o *Options) { o.DisableWatch = true })
	e.SetIdentity(1, strPtr("w1"))

	if err := e.UpsertTab(context.Background(), validTab("a")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if e.Status().InflightTransactions != 1 {
		t.Fatalf("expected 1 inflight transaction before the echo")
	}

	payload, err := shared.Get(context.Background(), defaultStateKey)
	if err != nil {
		t.Fatalf("state missing: %v", err)
	}
	e.HandleStoreEvent(store.Event{Key: defaultStateKey, NewValue: payload})

	status := e.Status()
	if status.SuppressedEchoes != 1 {
		t.Fatalf("expected the echo suppressed, got %d", status.SuppressedEchoes)
	}
	if status.InflightTransactions != 0 {
		t.Fatalf("echo must confirm the transaction, %d still inflight", status.InflightTransactions)
	}
	if status.LastConfirmed == "" {
		t.Fatalf("confirmed transaction id missing from status")
	}
	if len(e.Tabs()) != 1 {
		t.Fatalf("suppressed echo must not disturb local state")
	}
}

func remoteDoc(ts int64, tabs ...QuickTabRecord) []byte {
	if tabs == nil {
		tabs = []QuickTabRecord{}
	}
	doc := &StateDocument{
		Tabs:             tabs,
		Timestamp:        ts,
		SaveID:           "peer-save",
		TransactionID:    "peer-txn",
		WriterInstanceID: "peer-instance",
		WriterOwnerID:    int64Ptr(99),
	}
	payload, _ := json.Marshal(doc)
	return payload
}

func TestOutOfOrderArrivalCountedButApplied(t *testing.T) {
	shared := store.NewMemoryStore()
	t.Cleanup(func() { _ = shared.Close() })
	e := newTestEngine(t, shared, func(o *Options) { o.DisableWatch = true })
	e.SetIdentity(1, strPtr("w1"))

	base := nowMillis()
	e.HandleStoreEvent(store.Event{Key: defaultStateKey, NewValue: remoteDoc(base, ownedTab("f1", 99, "w1"))})
	e.HandleStoreEvent(store.Event{Key: defaultStateKey, NewValue: remoteDoc(base-1000, ownedTab("f2", 99, "w1"))})

	status := e.Status()
	if status.OutOfOrderArrivals != 1 {
		t.Fatalf("expected 1 out-of-order arrival, got %d", status.OutOfOrderArrivals)
	}
	// Last write applied even though it arrived stale; f1 disappeared from
	// its owner's batch and is dropped.
	tabs := e.Tabs()
	if len(tabs) != 1 || tabs[0].ID != "f2" {
		t.Fatalf("expected stale-but-applied batch [f2], got %+v", tabs)
	}
}

func TestForeignRemovalKeepsOwnedRecords(t *testing.T) {
	shared := store.NewMemoryStore()
	t.Cleanup(func() { _ = shared.Close() })
	e := newTestEngine(t, shared, func(o *Options) { o.DisableWatch = true })
	e.SetIdentity(1, strPtr("w1"))

	if err := e.UpsertTab(context.Background(), validTab("mine")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	e.HandleStoreEvent(store.Event{Key: defaultStateKey, NewValue: remoteDoc(nowMillis(), ownedTab("theirs", 99, "w1"))})

	ids := map[RecordID]bool{}
	for _, tab := range e.Tabs() {
		ids[tab.ID] = true
	}
	if !ids["mine"] {
		t.Fatalf("a foreign write must not remove locally owned records")
	}
	if !ids["theirs"] {
		t.Fatalf("foreign records must be applied")
	}

	// The foreign record vanishing from its owner's next write removes it
	// here too; the owned record stays.
	e.HandleStoreEvent(store.Event{Key: defaultStateKey, NewValue: remoteDoc(nowMillis() + 1)})
	ids = map[RecordID]bool{}
	for _, tab := range e.Tabs() {
		ids[tab.ID] = true
	}
	if ids["theirs"] {
		t.Fatalf("foreign record closed by its owner must be dropped")
	}
	if !ids["mine"] {
		t.Fatalf("owned record must survive foreign removals")
	}
}

func TestStartupLoadsPersistedState(t *testing.T) {
	shared := store.NewMemoryStore()
	t.Cleanup(func() { _ = shared.Close() })
	seeded := remoteDoc(nowMillis(), ownedTab("qt-old", 9, "w1"))
	if err := shared.Set(context.Background(), defaultStateKey, seeded); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	e := newTestEngine(t, shared, func(o *Options) { o.DisableWatch = true })
	tabs := e.Tabs()
	if len(tabs) != 1 || tabs[0].ID != "qt-old" {
		t.Fatalf("expected the persisted record loaded at startup, got %+v", tabs)
	}

	// The first write after a restart must carry the other owner's record
	// through, not replace the batch with only local state.
	e.SetIdentity(1, strPtr("w1"))
	if err := e.UpsertTab(context.Background(), validTab("qt-new")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	payload, err := shared.Get(context.Background(), defaultStateKey)
	if err != nil {
		t.Fatalf("state missing: %v", err)
	}
	doc, err := DecodeStateDocument(payload)
	if err != nil {
		t.Fatalf("persisted state undecodable: %v", err)
	}
	byID := map[RecordID]QuickTabRecord{}
	for _, tab := range doc.Tabs {
		byID[tab.ID] = tab
	}
	if len(byID) != 2 {
		t.Fatalf("expected both records persisted, got %+v", doc.Tabs)
	}
	if old := byID["qt-old"]; old.OwnerID == nil || *old.OwnerID != 9 {
		t.Fatalf("pre-existing record lost its owner: %+v", old)
	}
}

func TestStaleCarryThroughDoesNotRollBackOwnedRecord(t *testing.T) {
	shared := store.NewMemoryStore()
	t.Cleanup(func() { _ = shared.Close() })
	e := newTestEngine(t, shared, func(o *Options) { o.DisableWatch = true })
	e.SetIdentity(1, strPtr("w1"))

	if err := e.UpsertTab(context.Background(), validTab("tab-a")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := e.MoveTab(context.Background(), "tab-a", Point{Left: 500, Top: 500}); err != nil {
		t.Fatalf("move failed: %v", err)
	}

	// A peer that read the batch before the move writes its own record and
	// carries our record through at the old position. The carried copy must
	// not win over the locally owned one.
	stale := ownedTab("tab-a", 1, "w1")
	e.HandleStoreEvent(store.Event{
		Key:      defaultStateKey,
		NewValue: remoteDoc(nowMillis()+1000, stale, ownedTab("tab-b", 99, "w1")),
	})

	tab, ok := e.cache.Get("tab-a")
	if !ok {
		t.Fatalf("owned record vanished")
	}
	if tab.Position.Left != 500 || tab.Position.Top != 500 {
		t.Fatalf("carried copy rolled the owned record back to %+v", tab.Position)
	}
	if _, ok := e.cache.Get("tab-b"); !ok {
		t.Fatalf("the peer's own record must still be applied")
	}
}

func TestRemovedRecordReapedBySweep(t *testing.T) {
	shared := store.NewMemoryStore()
	t.Cleanup(func() { _ = shared.Close() })
	e := newTestEngine(t, shared, func(o *Options) { o.DisableWatch = true })
	e.SetIdentity(1, strPtr("w1"))

	if err := e.UpsertTab(context.Background(), validTab("a")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := e.UpsertTab(context.Background(), validTab("b")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := e.RemoveTab(context.Background(), "b"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	for _, tab := range e.Tabs() {
		if tab.ID == "b" {
			t.Fatalf("closed record must drop out of snapshots")
		}
	}
	payload, err := shared.Get(context.Background(), defaultStateKey)
	if err != nil {
		t.Fatalf("state missing: %v", err)
	}
	doc, err := DecodeStateDocument(payload)
	if err != nil {
		t.Fatalf("persisted state undecodable: %v", err)
	}
	if len(doc.Tabs) != 1 || doc.Tabs[0].ID != "a" {
		t.Fatalf("expected only the open record persisted, got %+v", doc.Tabs)
	}

	// Closure is logical until the sweep reaps the entry.
	if got := e.cache.Len(); got != 2 {
		t.Fatalf("closed entry must stay held until the sweep, cache has %d", got)
	}
	if reaped := e.cache.Sweep(); reaped != 1 {
		t.Fatalf("expected the sweep to reap 1 entry, got %d", reaped)
	}
	if got := e.cache.Len(); got != 1 {
		t.Fatalf("expected 1 entry after the sweep, got %d", got)
	}
}

func TestEmptyNotificationIgnored(t *testing.T) {
	shared := store.NewMemoryStore()
	t.Cleanup(func() { _ = shared.Close() })
	e := newTestEngine(t, shared, func(o *Options) { o.DisableWatch = true })
	e.SetIdentity(1, strPtr("w1"))

	if err := e.UpsertTab(context.Background(), validTab("a")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	e.HandleStoreEvent(store.Event{Key: defaultStateKey, NewValue: nil})
	if len(e.Tabs()) != 1 {
		t.Fatalf("a remote wipe must never clear local state")
	}
}

func TestTwoInstanceConvergence(t *testing.T) {
	shared := store.NewMemoryStore()
	t.Cleanup(func() { _ = shared.Close() })

	engineA := newTestEngine(t, shared, nil)
	engineB := newTestEngine(t, shared, nil)
	engineA.SetIdentity(1, strPtr("w1"))
	engineB.SetIdentity(2, strPtr("w1"))

	if err := engineA.UpsertTab(context.Background(), validTab("tab-a")); err != nil {
		t.Fatalf("instance A upsert failed: %v", err)
	}
	waitUntil(t, func() bool {
		tabs := engineB.Tabs()
		return len(tabs) == 1 && tabs[0].ID == "tab-a"
	}, "instance B never observed A's record")

	if err := engineB.UpsertTab(context.Background(), validTab("tab-b")); err != nil {
		t.Fatalf("instance B upsert failed: %v", err)
	}
	waitUntil(t, func() bool { return len(engineA.Tabs()) == 2 }, "instance A never observed B's record")
	waitUntil(t, func() bool { return len(engineB.Tabs()) == 2 }, "instance B lost records after its own write")

	// B mutating A's record is silently skipped, on both sides.
	before, _ := engineB.cache.Get("tab-a")
	if err := engineB.MoveTab(context.Background(), "tab-a", Point{Left: 900, Top: 900}); err != nil {
		t.Fatalf("foreign mutation must be a silent skip, got %v", err)
	}
	after, _ := engineB.cache.Get("tab-a")
	if after.Position != before.Position {
		t.Fatalf("foreign mutation leaked into the cache: %+v", after.Position)
	}
	if engineB.Status().OwnershipRejections == 0 {
		t.Fatalf("foreign mutation must be counted as an ownership rejection")
	}

	waitUntil(t, func() bool { return engineA.Status().SuppressedEchoes >= 1 }, "instance A never suppressed its own echo")

	// Both sides converge on the same batch with ownership intact.
	for _, e := range []*Engine{engineA, engineB} {
		tabs := e.Tabs()
		if len(tabs) != 2 {
			t.Fatalf("expected 2 records, got %d", len(tabs))
		}
		byID := map[RecordID]QuickTabRecord{}
		for _, tab := range tabs {
			byID[tab.ID] = tab
		}
		if *byID["tab-a"].OwnerID != 1 || *byID["tab-b"].OwnerID != 2 {
			t.Fatalf("ownership diverged: a=%v b=%v", byID["tab-a"].OwnerID, byID["tab-b"].OwnerID)
		}
	}
}

func TestEphemeralDragUpdatesCacheWithoutPersisting(t *testing.T) {
	shared := store.NewMemoryStore()
	t.Cleanup(func() { _ = shared.Close() })
	bus := ephemeral.NewLoopbackBus()

	e := newTestEngine(t, shared, func(o *Options) {
		o.DisableWatch = true
		o.Transport = ephemeral.NewEndpoint(testLog(), "w1", "engine-side", bus.Join("w1"), ephemeral.EndpointOptions{})
	})
	e.SetIdentity(1, strPtr("w1"))
	if err := e.UpsertTab(context.Background(), validTab("a")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	persisted, err := shared.Get(context.Background(), defaultStateKey)
	if err != nil {
		t.Fatalf("state missing: %v", err)
	}

	peer := ephemeral.NewEndpoint(testLog(), "w1", "peer-side", bus.Join("w1"), ephemeral.EndpointOptions{})
	t.Cleanup(func() { _ = peer.Close() })
	if err := peer.Send(ephemeral.KindDragPosition, "a", Point{Left: 321, Top: 42}); err != nil {
		t.Fatalf("peer send failed: %v", err)
	}

	waitUntil(t, func() bool {
		tab, ok := e.cache.Get("a")
		return ok && tab.Position.Left == 321
	}, "drag position never reached the cache")

	// The ephemeral stream never touches the durable store.
	unchanged, err := shared.Get(context.Background(), defaultStateKey)
	if err != nil {
		t.Fatalf("state missing after drag: %v", err)
	}
	if string(unchanged) != string(persisted) {
		t.Fatalf("ephemeral update leaked into the durable store")
	}
}

func TestBeginDragAdmission(t *testing.T) {
	shared := store.NewMemoryStore()
	t.Cleanup(func() { _ = shared.Close() })
	e := newTestEngine(t, shared, func(o *Options) { o.DisableWatch = true })

	if err := e.BeginDrag("a"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("drag admission before identity resolution must fail closed, got %v", err)
	}

	e.SetIdentity(1, strPtr("w1"))
	if err := e.BeginDrag("missing"); err != nil {
		t.Fatalf("drag on an unknown record must be a no-op, got %v", err)
	}

	if err := e.UpsertTab(context.Background(), validTab("mine")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	e.HandleStoreEvent(store.Event{
		Key:      defaultStateKey,
		NewValue: remoteDoc(nowMillis(), ownedTab("theirs", 99, "w1")),
	})

	before := e.Status().OwnershipRejections
	if err := e.BeginDrag("mine"); err != nil {
		t.Fatalf("drag on an owned record failed: %v", err)
	}
	if got := e.Status().OwnershipRejections; got != before {
		t.Fatalf("owned drag counted as a rejection: %d -> %d", before, got)
	}
	if err := e.BeginDrag("theirs"); err != nil {
		t.Fatalf("foreign drag must be skipped silently, got %v", err)
	}
	if got := e.Status().OwnershipRejections; got != before+1 {
		t.Fatalf("foreign drag not counted: %d -> %d", before, got)
	}
}
