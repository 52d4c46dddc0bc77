package vm

import (
	"context"
	"iter"

	"maunium.net/go/mautrix/id"

	"github.com/hearth-chat/hearth/store"
)

// fakeStore is a minimal in-memory store.RoomDAG+store.Writer stand-in,
// enough to drive the VM's phases without a real database, following the
// plain-fake-struct style acquire_test.go and resource/client's tests
// already use for this codebase's collaborator interfaces.
type fakeStore struct {
	byID  map[id.EventID][]byte
	state map[string]id.EventID // roomID|type|stateKey
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: map[id.EventID][]byte{}, state: map[string]id.EventID{}}
}

func (f *fakeStore) Top(context.Context, id.RoomID) (id.EventID, int64, store.Index, error) {
	return "", 0, 0, nil
}
func (f *fakeStore) Viewport(context.Context, id.RoomID) (int64, int64, error) { return 0, 0, nil }
func (f *fakeStore) Sounding(context.Context, id.RoomID, id.EventID) (int64, store.Index, error) {
	return 0, 0, nil
}
func (f *fakeStore) Twain(context.Context, id.RoomID, id.EventID) (int64, store.Index, error) {
	return 0, 0, nil
}
func (f *fakeStore) Missing(context.Context, id.RoomID, int64, int64) iter.Seq2[store.Ref, error] {
	return func(yield func(store.Ref, error) bool) {}
}
func (f *fakeStore) Count(context.Context, id.RoomID, store.Index, store.Index) (int64, error) {
	return 0, nil
}
func (f *fakeStore) EventIDByIndex(context.Context, store.Index) (id.EventID, error) { return "", nil }
func (f *fakeStore) IndexByEventID(context.Context, id.EventID) (store.Index, error) { return 0, nil }
func (f *fakeStore) EventJSON(ctx context.Context, eventID id.EventID) ([]byte, error) {
	raw, ok := f.byID[eventID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return raw, nil
}
func (f *fakeStore) Heads(context.Context, id.RoomID) iter.Seq2[store.Head, error] {
	return func(yield func(store.Head, error) bool) {}
}

func (f *fakeStore) Exists(ctx context.Context, eventID id.EventID) (bool, error) {
	_, ok := f.byID[eventID]
	return ok, nil
}
func (f *fakeStore) Insert(ctx context.Context, evt store.InsertedEvent) (store.Index, error) {
	if _, ok := f.byID[evt.EventID]; ok {
		return 0, store.ErrAlreadyExists
	}
	f.byID[evt.EventID] = evt.EventJSON
	return store.Index(len(f.byID)), nil
}
func (f *fakeStore) UpdateHead(context.Context, id.RoomID, store.InsertedEvent) error { return nil }
func (f *fakeStore) PutState(ctx context.Context, roomID id.RoomID, evtType, stateKey string, eventID id.EventID) error {
	f.state[string(roomID)+"|"+evtType+"|"+stateKey] = eventID
	return nil
}
func (f *fakeStore) GetState(ctx context.Context, roomID id.RoomID, evtType, stateKey string) (id.EventID, bool, error) {
	eventID, ok := f.state[string(roomID)+"|"+evtType+"|"+stateKey]
	return eventID, ok, nil
}
func (f *fakeStore) Redact(context.Context, id.EventID, []byte) error { return nil }

// fakeBackfiller records every FillGaps call and optionally seeds the
// store with the requested room's missing events, so fetchAuth/fetchPrev
// can observe the gap closing after one backfill round.
type fakeBackfiller struct {
	calls int
	fill  func()
	err   error
}

func (f *fakeBackfiller) FillGaps(ctx context.Context, room id.RoomID, hint string) error {
	f.calls++
	if f.fill != nil {
		f.fill()
	}
	return f.err
}
