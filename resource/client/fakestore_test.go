package client

import (
	"context"
	"iter"
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/hearth-chat/hearth/store"
)

// fakeRoomStore is a minimal in-memory store.RoomDAG + store.Writer stand-in,
// enough to drive createRoom and messages end to end without a database.
type fakeRoomStore struct {
	mu sync.Mutex

	byIndex map[store.Index]id.EventID
	byEvent map[id.EventID]store.Index
	events  map[id.EventID][]byte
	state   map[string]id.EventID // roomID|type|stateKey -> eventID
	heads   map[id.RoomID][]id.EventID
	next    store.Index
}

func newFakeRoomStore() *fakeRoomStore {
	return &fakeRoomStore{
		byIndex: map[store.Index]id.EventID{},
		byEvent: map[id.EventID]store.Index{},
		events:  map[id.EventID][]byte{},
		state:   map[string]id.EventID{},
		heads:   map[id.RoomID][]id.EventID{},
	}
}

func (f *fakeRoomStore) Top(ctx context.Context, room id.RoomID) (id.EventID, int64, store.Index, error) {
	return "", 0, 0, nil
}

func (f *fakeRoomStore) Viewport(ctx context.Context, room id.RoomID) (int64, int64, error) {
	return 0, 0, nil
}

func (f *fakeRoomStore) Sounding(ctx context.Context, room id.RoomID, ref id.EventID) (int64, store.Index, error) {
	return 0, 0, nil
}

func (f *fakeRoomStore) Twain(ctx context.Context, room id.RoomID, ref id.EventID) (int64, store.Index, error) {
	return 0, 0, nil
}

func (f *fakeRoomStore) Missing(ctx context.Context, room id.RoomID, depthLow, depthHigh int64) iter.Seq2[store.Ref, error] {
	return func(yield func(store.Ref, error) bool) {}
}

func (f *fakeRoomStore) Count(ctx context.Context, room id.RoomID, lo, hi store.Index) (int64, error) {
	return int64(hi - lo), nil
}

func (f *fakeRoomStore) EventIDByIndex(ctx context.Context, idx store.Index) (id.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	eventID, ok := f.byIndex[idx]
	if !ok {
		return "", store.ErrNotFound
	}
	return eventID, nil
}

func (f *fakeRoomStore) IndexByEventID(ctx context.Context, eventID id.EventID) (store.Index, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.byEvent[eventID]
	if !ok {
		return 0, store.ErrNotFound
	}
	return idx, nil
}

func (f *fakeRoomStore) EventJSON(ctx context.Context, eventID id.EventID) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.events[eventID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return raw, nil
}

func (f *fakeRoomStore) Heads(ctx context.Context, room id.RoomID) iter.Seq2[store.Head, error] {
	return func(yield func(store.Head, error) bool) {}
}

func (f *fakeRoomStore) Exists(ctx context.Context, eventID id.EventID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.byEvent[eventID]
	return ok, nil
}

func (f *fakeRoomStore) Insert(ctx context.Context, evt store.InsertedEvent) (store.Index, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byEvent[evt.EventID]; ok {
		return 0, store.ErrAlreadyExists
	}
	f.next++
	idx := f.next
	f.byIndex[idx] = evt.EventID
	f.byEvent[evt.EventID] = idx
	f.events[evt.EventID] = evt.EventJSON
	return idx, nil
}

func (f *fakeRoomStore) UpdateHead(ctx context.Context, roomID id.RoomID, evt store.InsertedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads[roomID] = append(f.heads[roomID], evt.EventID)
	return nil
}

func (f *fakeRoomStore) PutState(ctx context.Context, roomID id.RoomID, evtType string, stateKey string, eventID id.EventID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[string(roomID)+"|"+evtType+"|"+stateKey] = eventID
	return nil
}

func (f *fakeRoomStore) GetState(ctx context.Context, roomID id.RoomID, evtType string, stateKey string) (id.EventID, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	eventID, ok := f.state[string(roomID)+"|"+evtType+"|"+stateKey]
	return eventID, ok, nil
}

func (f *fakeRoomStore) Redact(ctx context.Context, eventID id.EventID, essentialJSON []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[eventID] = essentialJSON
	return nil
}
