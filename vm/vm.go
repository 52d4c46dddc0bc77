// Package vm implements the event evaluation virtual machine: the staged
// pipeline that validates, authorizes, applies and persists events,
// described in spec.md §4.5. It is the single place a room's DAG, state
// and head set are mutated.
package vm

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/hearth-chat/hearth/access"
	"github.com/hearth-chat/hearth/event"
	"github.com/hearth-chat/hearth/metrics"
	"github.com/hearth-chat/hearth/store"
)

// RoomStore is the persistence surface the VM needs: the read-side
// store.RoomDAG plus the write-side store.Writer a concrete backend (e.g.
// store/postgres) satisfies together.
type RoomStore interface {
	store.RoomDAG
	store.Writer
}

// Backfiller lets the VM's FETCH_AUTH/FETCH_PREV phases ask for missing
// ancestors without importing the acquirer package directly; acquire.Acquirer
// satisfies this interface structurally.
type Backfiller interface {
	FillGaps(ctx context.Context, room id.RoomID, hint string) error
}

// Notifier receives post-commit notifications for locally subscribed
// clients (long-poll /sync, in-process pubsub, etc).
type Notifier interface {
	Notify(ctx context.Context, evt *event.Event)
}

// Outcome is what Eval reports for one submitted event.
type Outcome struct {
	EventID id.EventID
	Fault   Fault
	Err     error
}

// VM is the evaluator. All fields besides the embedded locks are set once
// at construction; concurrent Eval calls for different rooms proceed in
// parallel, serialized per-room by roomLocks.
type VM struct {
	Store      RoomStore
	Access     *access.Store
	KeyFetcher event.KeyFetcher
	Backfill   Backfiller
	Notify     Notifier
	MaxSize    int

	Log zerolog.Logger

	roomLocks sync.Map // id.RoomID -> *sync.Mutex
	sequence  atomic.Int64
}

// New constructs a VM. MaxSize <= 0 falls back to event.MaxSize.
func New(roomStore RoomStore, accessStore *access.Store, keyFetcher event.KeyFetcher, maxSize int, log zerolog.Logger) *VM {
	if maxSize <= 0 {
		maxSize = event.MaxSize
	}
	return &VM{Store: roomStore, Access: accessStore, KeyFetcher: keyFetcher, MaxSize: maxSize, Log: log}
}

// Sequence returns the current value of current_sequence, the global
// monotone counter clients use for "age" display.
func (v *VM) Sequence() int64 { return v.sequence.Load() }

func (v *VM) lockRoom(room id.RoomID) *sync.Mutex {
	lock, _ := v.roomLocks.LoadOrStore(room, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Eval applies events (already ordered depth-then-arrival by the caller) to
// their rooms, serializing per room but allowing cross-room parallelism
// when called concurrently for different rooms.
func (v *VM) Eval(ctx context.Context, events []*event.Event, opts Options) ([]Outcome, error) {
	if len(events) == 0 || !PhaseExecute.enabledIn(opts.Phases) {
		return nil, nil
	}
	outcomes := make([]Outcome, 0, len(events))
	byRoom := map[id.RoomID][]*event.Event{}
	order := make([]id.RoomID, 0)
	for _, e := range events {
		room := e.RoomID()
		if _, ok := byRoom[room]; !ok {
			order = append(order, room)
		}
		byRoom[room] = append(byRoom[room], e)
	}
	for _, room := range order {
		lock := v.lockRoom(room)
		lock.Lock()
		for _, e := range byRoom[room] {
			outcomes = append(outcomes, v.evalOne(ctx, e, opts))
			metrics.EventsEvaluated.WithLabelValues(FaultName(outcomes[len(outcomes)-1].Fault)).Inc()
			if outcomes[len(outcomes)-1].Fault == FaultInterrupt {
				lock.Unlock()
				return outcomes, ctx.Err()
			}
		}
		lock.Unlock()
	}
	metrics.CurrentSequence.Set(float64(v.sequence.Load()))
	return outcomes, nil
}

// evalOne runs the full phase pipeline for a single event, already under
// its room's lock.
func (v *VM) evalOne(ctx context.Context, e *event.Event, opts Options) Outcome {
	eventID, _ := e.EventID()
	out := Outcome{EventID: eventID, Fault: FaultAccept}

	report := func(f Fault, err error) bool {
		out.Fault, out.Err = f, err
		if f == FaultInterrupt {
			return false
		}
		if opts.Accept.Has(f) {
			return true
		}
		if opts.Warn.Has(f) {
			v.logPhase(e, f, err, true)
			return true
		}
		if opts.Reject.Has(f) {
			v.logPhase(e, f, err, false)
			return false
		}
		// Unmasked fault: default to reject, matching spec.md's "any fault
		// in AUTH_*/VERIFY rejects atomically" baseline.
		v.logPhase(e, f, err, false)
		return false
	}

	select {
	case <-ctx.Done():
		report(FaultInterrupt, ctx.Err())
		return out
	default:
	}

	if PhaseIssue.enabledIn(opts.Phases) {
		if f, err := v.issue(e); f != FaultAccept && !report(f, err) {
			return out
		}
	}
	if PhaseConform.enabledIn(opts.Phases) {
		if f, err := v.conform(e); f != FaultAccept && !report(f, err) {
			return out
		}
	}
	if PhaseAccess.enabledIn(opts.Phases) {
		if f, err := v.access(e); f != FaultAccept && !report(f, err) {
			return out
		}
	}
	if PhaseVerify.enabledIn(opts.Phases) {
		if f, err := v.verify(ctx, e, opts.RoomVersion); f != FaultAccept && !report(f, err) {
			return out
		}
	}
	if PhaseFetchAuth.enabledIn(opts.Phases) {
		if f, err := v.fetchAuth(ctx, e, opts); f != FaultAccept && !report(f, err) {
			return out
		}
	}
	if PhaseAuthStatic.enabledIn(opts.Phases) {
		if f, err := v.authStatic(ctx, e, opts.RoomVersion); f != FaultAccept && !report(f, err) {
			return out
		}
	}
	if PhaseFetchPrev.enabledIn(opts.Phases) {
		if f, err := v.fetchPrev(ctx, e, opts); f != FaultAccept && !report(f, err) {
			return out
		}
	}
	if PhaseAuthRelative.enabledIn(opts.Phases) {
		if f, err := v.authRelative(ctx, e, opts.RoomVersion); f != FaultAccept && !report(f, err) {
			return out
		}
	}
	if PhaseEvaluate.enabledIn(opts.Phases) {
		if f, err := v.evaluate(ctx, e); f != FaultAccept && !report(f, err) {
			return out
		}
	}

	var idx store.Index
	if PhaseIndex.enabledIn(opts.Phases) {
		f, i, err := v.index(ctx, e)
		idx = i
		if f != FaultAccept && !report(f, err) {
			return out
		}
		out.Fault = f
	}
	if PhasePost.enabledIn(opts.Phases) {
		if f, err := v.post(ctx, e, opts); f != FaultAccept && !report(f, err) {
			return out
		}
	}
	// NOTIFY/EFFECTS faults are post-commit: logged, never rejected.
	if PhaseNotify.enabledIn(opts.Phases) && opts.NotifyServers && v.Notify != nil {
		v.Notify.Notify(ctx, e)
	}
	if PhaseEffects.enabledIn(opts.Phases) {
		v.effects(e)
	}
	_ = idx
	return out
}

func (v *VM) logPhase(e *event.Event, f Fault, err error, warn bool) {
	eventID, _ := e.EventID()
	ev := v.Log.Warn()
	if !warn {
		ev = v.Log.Error()
	}
	ev.Stringer("room_id", e.RoomID()).Stringer("event_id", eventID).
		Err(err).Msg("VM phase fault")
}
