package vm

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hearth-chat/hearth/event"
)

// invalidEvent is missing required fields (sender/origin/type), so issue
// always reports FaultInvalid for it; restricting Options.Phases to just
// PhaseIssue isolates the fault-mask logic in evalOne/report without
// needing a store, key fetcher, or signed event.
func invalidEvent() *event.Event {
	return event.New(map[string]any{"room_id": string(testRoom)})
}

func issueOnlyOptions() Options {
	return Options{Phases: PhaseExecute | PhaseIssue}
}

// TestEvalFaultMaskRejectsByDefault covers the default "unmasked fault rejects"
// baseline from spec.md's "any fault in AUTH_*/VERIFY rejects atomically":
// FaultInvalid isn't in Accept, Warn, or Reject, so report() still rejects.
func TestEvalFaultMaskRejectsByDefault(t *testing.T) {
	v := &VM{Log: zerolog.Nop()}
	opts := issueOnlyOptions()

	outs, err := v.Eval(context.Background(), []*event.Event{invalidEvent()}, opts)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if len(outs) != 1 || outs[0].Fault != FaultInvalid {
		t.Fatalf("expected a single FaultInvalid outcome, got %+v", outs)
	}
}

// TestEvalFaultMaskExplicitReject covers a fault explicitly placed in
// Options.Reject.
func TestEvalFaultMaskExplicitReject(t *testing.T) {
	v := &VM{Log: zerolog.Nop()}
	opts := issueOnlyOptions()
	opts.Reject = Mask(FaultInvalid)

	outs, err := v.Eval(context.Background(), []*event.Event{invalidEvent()}, opts)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if len(outs) != 1 || outs[0].Fault != FaultInvalid {
		t.Fatalf("expected a single FaultInvalid outcome, got %+v", outs)
	}
}

// TestEvalFaultMaskAccept covers a fault placed in Options.Accept: the
// pipeline must treat it as success and keep running later phases instead
// of aborting.
func TestEvalFaultMaskAccept(t *testing.T) {
	v := &VM{Log: zerolog.Nop()}
	opts := Options{Phases: PhaseExecute | PhaseIssue | PhaseConform}
	opts.Accept = Mask(FaultInvalid)

	e := invalidEvent()
	outs, err := v.Eval(context.Background(), []*event.Event{e}, opts)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if len(outs) != 1 {
		t.Fatalf("expected one outcome, got %d", len(outs))
	}
	// conform() accepts this event (it has no state_key, isn't a redaction),
	// so it never calls report() again; the recorded fault is issue's.
	if outs[0].Fault != FaultInvalid {
		t.Fatalf("expected the accepted FaultInvalid to be recorded, got %s", FaultName(outs[0].Fault))
	}
}

// TestEvalFaultMaskWarn covers a fault placed in Options.Warn: treated like
// Accept for control flow (pipeline continues) but logged at warn level
// rather than silently passed through.
func TestEvalFaultMaskWarn(t *testing.T) {
	v := &VM{Log: zerolog.Nop()}
	opts := issueOnlyOptions()
	opts.Warn = Mask(FaultInvalid)

	outs, err := v.Eval(context.Background(), []*event.Event{invalidEvent()}, opts)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if len(outs) != 1 || outs[0].Fault != FaultInvalid {
		t.Fatalf("expected warned FaultInvalid to still be the reported outcome, got %+v", outs)
	}
}

// TestEvalFaultInterruptAlwaysPropagates covers "FaultInterrupt always
// propagates regardless of any mask": even with every fault accepted,
// a canceled context must stop evaluation.
func TestEvalFaultInterruptAlwaysPropagates(t *testing.T) {
	v := &VM{Log: zerolog.Nop()}
	opts := Options{Phases: AllPhases, Accept: Mask(^Fault(0)), Warn: Mask(^Fault(0)), Reject: Mask(^Fault(0))}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outs, err := v.Eval(ctx, []*event.Event{invalidEvent()}, opts)
	if len(outs) != 1 || outs[0].Fault != FaultInterrupt {
		t.Fatalf("expected FaultInterrupt outcome, got %+v (err=%v)", outs, err)
	}
}

// TestFetchAuthBackfillsOnceThenAccepts covers the FETCH_AUTH phase's
// integration with the acquirer: missing auth_events trigger exactly one
// FillGaps call, and if that call's fill closure supplies the missing
// event, the phase accepts.
func TestFetchAuthBackfillsOnceThenAccepts(t *testing.T) {
	st := newFakeStore()
	bf := &fakeBackfiller{fill: func() {
		st.byID["$auth1"] = []byte(`{"type":"m.room.create"}`)
	}}
	v := &VM{Store: st, Backfill: bf, Log: zerolog.Nop()}

	e := event.New(map[string]any{
		"room_id":     string(testRoom),
		"auth_events": []any{"$auth1"},
	})
	f, err := v.fetchAuth(context.Background(), e, Options{Hint: "peer.example.org"})
	if err != nil {
		t.Fatalf("fetchAuth: %v", err)
	}
	if f != FaultAccept {
		t.Fatalf("expected FaultAccept once backfill supplies the missing event, got %s", FaultName(f))
	}
	if bf.calls != 1 {
		t.Fatalf("expected exactly one FillGaps call, got %d", bf.calls)
	}
}

// TestFetchAuthReportsStateFaultWhenStillMissing covers the case where a
// backfill round doesn't resolve the gap.
func TestFetchAuthReportsStateFaultWhenStillMissing(t *testing.T) {
	st := newFakeStore()
	bf := &fakeBackfiller{}
	v := &VM{Store: st, Backfill: bf, Log: zerolog.Nop()}

	e := event.New(map[string]any{
		"room_id":     string(testRoom),
		"auth_events": []any{"$missing"},
	})
	f, err := v.fetchAuth(context.Background(), e, Options{})
	if err != nil {
		t.Fatalf("fetchAuth: %v", err)
	}
	if f != FaultState {
		t.Fatalf("expected FaultState when the auth event is still missing after backfill, got %s", FaultName(f))
	}
	if bf.calls != 1 {
		t.Fatalf("expected exactly one FillGaps call, got %d", bf.calls)
	}
}

// TestFetchAuthWithoutBackfillerReportsStateFault covers a VM configured
// with no Backfiller (e.g. the acquirer's own recursive evals): missing
// auth_events can't be resolved at all.
func TestFetchAuthWithoutBackfillerReportsStateFault(t *testing.T) {
	st := newFakeStore()
	v := &VM{Store: st, Log: zerolog.Nop()}

	e := event.New(map[string]any{
		"room_id":     string(testRoom),
		"auth_events": []any{"$missing"},
	})
	f, err := v.fetchAuth(context.Background(), e, Options{})
	if err != nil {
		t.Fatalf("fetchAuth: %v", err)
	}
	if f != FaultState {
		t.Fatalf("expected FaultState with no Backfiller configured, got %s", FaultName(f))
	}
}

// TestFetchPrevBackfillsOnceThenAccepts mirrors TestFetchAuthBackfillsOnceThenAccepts
// for the FETCH_PREV phase.
func TestFetchPrevBackfillsOnceThenAccepts(t *testing.T) {
	st := newFakeStore()
	bf := &fakeBackfiller{fill: func() {
		st.byID["$prev1"] = []byte(`{"type":"m.room.message"}`)
	}}
	v := &VM{Store: st, Backfill: bf, Log: zerolog.Nop()}

	e := event.New(map[string]any{
		"room_id":     string(testRoom),
		"prev_events": []any{"$prev1"},
	})
	f, err := v.fetchPrev(context.Background(), e, Options{Hint: "peer.example.org"})
	if err != nil {
		t.Fatalf("fetchPrev: %v", err)
	}
	if f != FaultAccept {
		t.Fatalf("expected FaultAccept once backfill supplies the missing event, got %s", FaultName(f))
	}
	if bf.calls != 1 {
		t.Fatalf("expected exactly one FillGaps call, got %d", bf.calls)
	}
}

// TestEvalHandlesMultipleRooms isn't a concurrency
// stress test (out of scope here); it just checks two different rooms'
// events are both evaluated in one Eval call, guarding against an
// accidental early-return after the first room.
func TestEvalHandlesMultipleRooms(t *testing.T) {
	st := newFakeStore()
	v := &VM{Store: st, Log: zerolog.Nop()}
	opts := Options{Phases: PhaseExecute | PhaseIssue}

	eA := event.New(map[string]any{"room_id": string(testRoom)})
	eB := event.New(map[string]any{"room_id": "!other:example.org"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	outs, err := v.Eval(ctx, []*event.Event{eA, eB}, opts)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if len(outs) != 2 {
		t.Fatalf("expected outcomes for both rooms' events, got %d", len(outs))
	}
}
