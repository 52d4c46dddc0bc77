package acquire

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/hearth-chat/hearth/event"
	"github.com/hearth-chat/hearth/fetch"
	"github.com/hearth-chat/hearth/store"
	"github.com/hearth-chat/hearth/vm"
)

// fakeDAG is a minimal in-memory store.RoomDAG stand-in, enough to drive
// the acquirer's head and missing branches without a real database.
type fakeDAG struct {
	top     id.EventID
	topDep  int64
	topIdx  store.Index
	heads   []store.Head
	missing []store.Ref
	sound   map[id.EventID][2]int64 // depth, idx
	twain   map[id.EventID][2]int64
}

func (f *fakeDAG) Top(ctx context.Context, room id.RoomID) (id.EventID, int64, store.Index, error) {
	return f.top, f.topDep, f.topIdx, nil
}

func (f *fakeDAG) Viewport(ctx context.Context, room id.RoomID) (int64, int64, error) {
	return 0, f.topDep, nil
}

func (f *fakeDAG) Sounding(ctx context.Context, room id.RoomID, ref id.EventID) (int64, store.Index, error) {
	v := f.sound[ref]
	return v[0], store.Index(v[1]), nil
}

func (f *fakeDAG) Twain(ctx context.Context, room id.RoomID, ref id.EventID) (int64, store.Index, error) {
	v := f.twain[ref]
	return v[0], store.Index(v[1]), nil
}

func (f *fakeDAG) Missing(ctx context.Context, room id.RoomID, depthLow, depthHigh int64) iter.Seq2[store.Ref, error] {
	return func(yield func(store.Ref, error) bool) {
		for _, r := range f.missing {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (f *fakeDAG) Count(ctx context.Context, room id.RoomID, lo, hi store.Index) (int64, error) {
	return int64(hi - lo), nil
}

func (f *fakeDAG) EventIDByIndex(ctx context.Context, idx store.Index) (id.EventID, error) {
	return "", nil
}

func (f *fakeDAG) IndexByEventID(ctx context.Context, eventID id.EventID) (store.Index, error) {
	return 0, nil
}

func (f *fakeDAG) EventJSON(ctx context.Context, eventID id.EventID) ([]byte, error) {
	return nil, store.ErrNotFound
}

func (f *fakeDAG) Heads(ctx context.Context, room id.RoomID) iter.Seq2[store.Head, error] {
	return func(yield func(store.Head, error) bool) {
		for _, h := range f.heads {
			if !yield(h, nil) {
				return
			}
		}
	}
}

// fakeFetcher records every Backfill call and returns one filler event per
// call so handleResult has something to evaluate.
type fakeFetcher struct {
	calls []struct {
		destination string
		eventID     id.EventID
		limit       int
	}
}

func (f *fakeFetcher) Backfill(ctx context.Context, destination string, room id.RoomID, eventID id.EventID, limit int) (fetch.Result, error) {
	f.calls = append(f.calls, struct {
		destination string
		eventID     id.EventID
		limit       int
	}{destination, eventID, limit})
	evt := event.New(map[string]any{
		"room_id": string(room),
		"type":    "m.room.message",
		"sender":  "@filler:example.org",
		"origin":  "example.org",
		"event_id": string(eventID),
	})
	return fetch.Result{Events: []*event.Event{evt}}, nil
}

// fakeEvaluator records batches it was asked to evaluate.
type fakeEvaluator struct {
	batches [][]*event.Event
}

func (f *fakeEvaluator) Eval(ctx context.Context, events []*event.Event, opts vm.Options) ([]vm.Outcome, error) {
	f.batches = append(f.batches, events)
	outs := make([]vm.Outcome, len(events))
	for i, e := range events {
		eid, _ := e.EventID()
		outs[i] = vm.Outcome{EventID: eid, Fault: vm.FaultAccept}
	}
	return outs, nil
}

func TestAcquirerHeadBranchSubmitsClampedLimit(t *testing.T) {
	room := id.RoomID("!room:example.org")
	dag := &fakeDAG{
		top:    "$top",
		topDep: 10,
		topIdx: 100,
		heads: []store.Head{
			{EventID: "$head1", HintOrigin: "peer.example.org", Depth: 90},
		},
	}
	fetcher := &fakeFetcher{}
	evalr := &fakeEvaluator{}
	a := New(dag, fetcher, evalr, zerolog.Nop())

	opts := DefaultOptions(room, "")
	opts.Missing = false
	opts.FetchWidth = 2

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Run(ctx, opts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(fetcher.calls) != 1 {
		t.Fatalf("expected 1 backfill call, got %d", len(fetcher.calls))
	}
	call := fetcher.calls[0]
	if call.limit != maxBackfillLimit {
		t.Errorf("expected clamped limit %d, got %d", maxBackfillLimit, call.limit)
	}
	if call.destination != "peer.example.org" {
		t.Errorf("unexpected destination: %s", call.destination)
	}
	if len(evalr.batches) != 1 {
		t.Fatalf("expected fetched PDU to be evaluated, got %d batches", len(evalr.batches))
	}
}

func TestAcquirerMissingBranchSubmitsEachInRangeGap(t *testing.T) {
	room := id.RoomID("!room:example.org")
	dag := &fakeDAG{
		top:    "$top",
		topDep: 100,
		topIdx: 100,
		missing: []store.Ref{
			{EventID: "$gap1", RefDepth: 80, RefIndex: 5},
			{EventID: "$gap2", RefDepth: 80, RefIndex: 6},
		},
		sound: map[id.EventID][2]int64{
			"$gap1": {90, 5},
			"$gap2": {90, 6},
		},
		twain: map[id.EventID][2]int64{
			"$gap1": {80, 4}, // gap = 10, within [1,48]
			"$gap2": {89, 4}, // gap = 1
		},
	}
	fetcher := &fakeFetcher{}
	evalr := &fakeEvaluator{}
	a := New(dag, fetcher, evalr, zerolog.Nop())

	opts := DefaultOptions(room, "")
	opts.Head = false
	opts.Rounds = 1
	opts.FetchWidth = 4

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Run(ctx, opts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(fetcher.calls) != 2 {
		t.Fatalf("expected 2 backfill calls, got %d", len(fetcher.calls))
	}
}

// TestAcquirerDedupesInFlightEventIDAcrossBranches covers spec.md §4.4's
// "never submit the same event_id twice concurrently": the head branch and
// the missing branch both reference the same event_id here, and only the
// first submission should reach the fetcher.
func TestAcquirerDedupesInFlightEventIDAcrossBranches(t *testing.T) {
	room := id.RoomID("!room:example.org")
	dag := &fakeDAG{
		top:    "$top",
		topDep: 100,
		topIdx: 100,
		heads: []store.Head{
			{EventID: "$dup", HintOrigin: "peer.example.org", Depth: 90},
		},
		missing: []store.Ref{
			{EventID: "$dup", RefDepth: 80, RefIndex: 5},
		},
		sound: map[id.EventID][2]int64{
			"$dup": {90, 5},
		},
		twain: map[id.EventID][2]int64{
			"$dup": {80, 4}, // gap = 10, within [1,48]
		},
	}
	fetcher := &fakeFetcher{}
	evalr := &fakeEvaluator{}
	a := New(dag, fetcher, evalr, zerolog.Nop())

	opts := DefaultOptions(room, "")
	opts.Rounds = 1
	opts.FetchWidth = 4 // wide enough that nothing drains between branches

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Run(ctx, opts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(fetcher.calls) != 1 {
		t.Fatalf("expected the duplicate event_id to be fetched only once, got %d calls", len(fetcher.calls))
	}
}

func TestFillGapsRunsSingleRoundMissingOnly(t *testing.T) {
	room := id.RoomID("!room:example.org")
	dag := &fakeDAG{
		top:    "$top",
		topDep: 10,
		topIdx: 10,
		heads: []store.Head{
			{EventID: "$head1", HintOrigin: "peer.example.org", Depth: 5},
		},
	}
	fetcher := &fakeFetcher{}
	evalr := &fakeEvaluator{}
	a := New(dag, fetcher, evalr, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.FillGaps(ctx, room, "peer.example.org"); err != nil {
		t.Fatalf("FillGaps: %v", err)
	}
	if len(fetcher.calls) != 0 {
		t.Errorf("FillGaps should skip the head branch, got %d calls", len(fetcher.calls))
	}
}
