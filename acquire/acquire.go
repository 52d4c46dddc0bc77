// Package acquire implements the room DAG acquirer: a concurrent fetch
// loop that detects gaps in the local DAG, issues backfill requests to
// peer servers, and feeds returned events into the VM while bounding
// parallelism and respecting cancellation (spec.md §4.4).
package acquire

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"maunium.net/go/mautrix/id"

	"github.com/hearth-chat/hearth/event"
	"github.com/hearth-chat/hearth/fetch"
	"github.com/hearth-chat/hearth/metrics"
	"github.com/hearth-chat/hearth/store"
	"github.com/hearth-chat/hearth/vm"
)

const (
	minBackfillLimit = 1
	maxBackfillLimit = 48

	// saturatedWait and slackWait implement spec.md §4.4's completion
	// timeout policy: block longer when the in-flight set is full (nothing
	// else useful to do) and shorter when there's room to keep submitting.
	saturatedWait = 5000 * time.Millisecond
	slackWait     = 50 * time.Millisecond
)

// Evaluator is the subset of vm.VM the acquirer drives: apply a batch of
// fetched PDUs under acquirer-specific options.
type Evaluator interface {
	Eval(ctx context.Context, events []*event.Event, opts vm.Options) ([]vm.Outcome, error)
}

// Options configures one acquirer run (spec.md §4.4 "Inputs").
type Options struct {
	Room        id.RoomID
	RoomVersion id.RoomVersion

	RefLo, RefHi         store.Index
	DepthLo, DepthHi     *int64
	ViewportSize         int64
	GapLo, GapHi         int64
	Rounds               int
	FetchWidth           int
	Hint                 string
	Head, Missing        bool
}

// DefaultOptions fills in the spec's defaults for a room: ref range
// unrestricted, gap range [1, 48], 8 rounds, fetch_width 10, both branches
// enabled.
func DefaultOptions(room id.RoomID, roomVersion id.RoomVersion) Options {
	return Options{
		Room:        room,
		RoomVersion: roomVersion,
		RefLo:       0,
		RefHi:       1<<62 - 1,
		GapLo:       1,
		GapHi:       48,
		Rounds:      8,
		FetchWidth:  10,
		Head:        true,
		Missing:     true,
	}
}

// Acquirer runs one construct-and-drain cycle per Run call: both branches
// submit fetches, then Run blocks until every in-flight fetch resolves.
// No fetch outlives a Run call.
type Acquirer struct {
	Store    store.RoomDAG
	Fetcher  fetch.Client
	Eval     Evaluator
	Log      zerolog.Logger
}

// New constructs an Acquirer.
func New(roomStore store.RoomDAG, fetcher fetch.Client, eval Evaluator, log zerolog.Logger) *Acquirer {
	return &Acquirer{Store: roomStore, Fetcher: fetcher, Eval: eval, Log: log}
}

type fetchResult struct {
	job     fetch.Result
	err     error
	eventID id.EventID
}

// Run performs the head branch, then the missing branch, then drains all
// in-flight fetches before returning. It satisfies vm.Backfiller via
// FillGaps, a convenience entry point with sane defaults for a single gap
// fill triggered by the VM's FETCH_AUTH/FETCH_PREV phases.
func (a *Acquirer) Run(ctx context.Context, opts Options) error {
	sem := semaphore.NewWeighted(int64(max(opts.FetchWidth, 1)))
	results := make(chan fetchResult, max(opts.FetchWidth, 1))
	inFlight := 0
	// inFlightIDs dedupes by event_id across both branches and across
	// rounds (spec.md §4.4 "never submit the same event_id twice
	// concurrently"): waitForSlot only gates on the in-flight count, so
	// without this the head branch and missing branch could race to
	// submit the same event_id, or a later round could resubmit one
	// whose earlier fetch hasn't drained yet.
	inFlightIDs := map[id.EventID]bool{}

	submit := func(destination string, eventID id.EventID, limit int) {
		if inFlightIDs[eventID] {
			return
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		inFlight++
		inFlightIDs[eventID] = true
		go func() {
			defer sem.Release(1)
			res, err := a.Fetcher.Backfill(ctx, destination, opts.Room, eventID, limit)
			results <- fetchResult{job: res, err: err, eventID: eventID}
		}()
	}

	drainOne := func(timeout time.Duration) bool {
		select {
		case r := <-results:
			inFlight--
			delete(inFlightIDs, r.eventID)
			a.handleResult(ctx, opts, r)
			return true
		case <-time.After(timeout):
			return false
		case <-ctx.Done():
			return false
		}
	}

	waitForSlot := func() {
		for inFlight >= opts.FetchWidth {
			if ctx.Err() != nil {
				return
			}
			drainOne(saturatedWait)
		}
	}

	if opts.Head {
		for head, err := range a.Store.Heads(ctx, opts.Room) {
			if err != nil {
				a.Log.Warn().Err(err).Msg("acquirer: failed to enumerate heads")
				continue
			}
			if opts.DepthLo != nil && head.Depth < *opts.DepthLo {
				continue
			}
			_, topDepth, _, err := a.Store.Top(ctx, opts.Room)
			if err != nil {
				topDepth = head.Depth
			}
			limit := clamp(head.Depth-topDepth, minBackfillLimit, maxBackfillLimit)
			waitForSlot()
			submit(head.HintOrigin, head.EventID, limit)
		}
	}

	if opts.Missing {
		refLo := opts.RefLo
		for round := 0; round < max(opts.Rounds, 1); round++ {
			depthLow, depthHigh, err := a.depthRange(ctx, opts)
			if err != nil {
				a.Log.Warn().Err(err).Msg("acquirer: failed to resolve depth range")
				break
			}
			submitted := false
			var highestRef store.Index
			seen := map[store.Index]bool{}
			_, _, topIdx, _ := a.Store.Top(ctx, opts.Room)
			for ref, err := range a.Store.Missing(ctx, opts.Room, depthLow, depthHigh) {
				if err != nil {
					a.Log.Warn().Err(err).Msg("acquirer: missing-iterator error")
					continue
				}
				if ref.RefIndex < refLo || ref.RefIndex > opts.RefHi || seen[ref.RefIndex] {
					continue
				}
				seen[ref.RefIndex] = true
				if opts.ViewportSize > 0 {
					n, err := a.Store.Count(ctx, opts.Room, ref.RefIndex, topIdx)
					if err == nil && n > opts.ViewportSize {
						continue
					}
				}
				gap, ok := a.gapFor(ctx, opts, ref)
				if !ok || gap < opts.GapLo || gap > opts.GapHi {
					continue
				}
				limit := clamp(gap, minBackfillLimit, maxBackfillLimit)
				waitForSlot()
				submit(opts.Hint, ref.EventID, limit)
				submitted = true
				if ref.RefIndex > highestRef {
					highestRef = ref.RefIndex
				}
			}
			if !submitted || refLo > opts.RefHi {
				break
			}
			refLo = highestRef
		}
	}

	for inFlight > 0 {
		if ctx.Err() != nil {
			// Every fetch shares ctx and returns once it is cancelled; wait
			// for each so none outlives Run.
			r := <-results
			inFlight--
			delete(inFlightIDs, r.eventID)
			continue
		}
		timeout := slackWait
		if inFlight >= opts.FetchWidth {
			timeout = saturatedWait
		}
		drainOne(timeout)
	}
	return ctx.Err()
}

func (a *Acquirer) depthRange(ctx context.Context, opts Options) (int64, int64, error) {
	if opts.DepthLo != nil && opts.DepthHi != nil {
		lo, hi := *opts.DepthLo, *opts.DepthHi
		if hi-lo < opts.ViewportSize {
			lo -= opts.ViewportSize
			if lo < 0 {
				lo = 0
			}
		}
		return lo, hi, nil
	}
	low, high, err := a.Store.Viewport(ctx, opts.Room)
	return low, high, err
}

// gapFor computes sound.depth - twain.depth per spec.md §4.4 step 4, only
// when ref is itself the sounding point (sound_idx == ref_idx).
func (a *Acquirer) gapFor(ctx context.Context, opts Options, ref store.Ref) (int64, bool) {
	soundDepth, soundIdx, err := a.Store.Sounding(ctx, opts.Room, ref.EventID)
	if err != nil || soundIdx != ref.RefIndex {
		return 0, false
	}
	twainDepth, _, err := a.Store.Twain(ctx, opts.Room, ref.EventID)
	if err != nil {
		return 0, false
	}
	gap := soundDepth - twainDepth
	if gap < 0 {
		gap = 0
	}
	return gap, true
}

func (a *Acquirer) handleResult(ctx context.Context, opts Options, r fetchResult) {
	if r.err != nil {
		metrics.BackfillFetches.WithLabelValues("error").Inc()
		a.Log.Warn().Err(r.err).Msg("acquirer: fetch failed")
		return
	}
	metrics.BackfillFetches.WithLabelValues("ok").Inc()
	if len(r.job.Events) == 0 {
		return
	}
	vmOpts := vm.ForAcquirer(opts.RoomVersion, opts.Hint)
	if _, err := a.Eval.Eval(ctx, r.job.Events, vmOpts); err != nil {
		a.Log.Warn().Err(err).Msg("acquirer: eval of fetched PDUs failed")
	}
}

// FillGaps runs a single-round acquirer pass restricted to the missing
// branch, the entry point the VM's FETCH_AUTH/FETCH_PREV phases use.
func (a *Acquirer) FillGaps(ctx context.Context, room id.RoomID, hint string) error {
	opts := DefaultOptions(room, "")
	opts.Head = false
	opts.Hint = hint
	opts.Rounds = 1
	return a.Run(ctx, opts)
}

func clamp(v, lo, hi int64) int {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return int(v)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
