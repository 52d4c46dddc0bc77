package access

import (
	"sync"
	"sync/atomic"

	"maunium.net/go/mautrix/id"

	"github.com/hearth-chat/hearth/event"
)

// RoomAccess holds the server ACL and ban set the ACCESS phase checks for a
// single room. The ACL pointer is swapped atomically so readers never block
// on a writer compiling a new one.
type RoomAccess struct {
	RoomID id.RoomID
	Bans   *BanSet

	acl atomic.Pointer[ACL]
}

// NewRoomAccess creates an empty, all-allow RoomAccess for roomID.
func NewRoomAccess(roomID id.RoomID) *RoomAccess {
	ra := &RoomAccess{RoomID: roomID, Bans: NewBanSet()}
	ra.acl.Store(DefaultACL)
	return ra
}

// ACL returns the room's currently compiled server ACL.
func (ra *RoomAccess) ACL() *ACL {
	return ra.acl.Load()
}

// Update applies a state event relevant to access control: m.room.server_acl
// updates the compiled ACL, m.room.member updates the ban set. Any other
// event type is ignored.
func (ra *RoomAccess) Update(evt *event.Event) {
	stateKey, ok := evt.StateKey()
	if !ok {
		return
	}
	eventID, _ := evt.EventID()
	content := evt.Content()
	switch evt.Type() {
	case "m.room.server_acl":
		ra.acl.Store(CompileACL(stringList(content["allow"]), stringList(content["deny"]), boolOf(content["allow_ip_literals"])))
	case "m.room.member":
		ra.Bans.ApplyMembership(id.UserID(stateKey), eventID, strOf(content["membership"]))
	}
}

func stringList(v any) []string {
	arr, _ := v.([]any)
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func boolOf(v any) bool {
	b, _ := v.(bool)
	return b
}

func strOf(v any) string {
	s, _ := v.(string)
	return s
}

// Store is a collection of RoomAccess objects keyed by room, consulted by
// the VM's ACCESS phase for every evaluated event.
type Store struct {
	rooms map[id.RoomID]*RoomAccess
	lock  sync.RWMutex
}

// NewStore creates an empty access control store.
func NewStore() *Store {
	return &Store{rooms: make(map[id.RoomID]*RoomAccess)}
}

// Ensure returns the RoomAccess for roomID, creating an empty one if absent.
func (s *Store) Ensure(roomID id.RoomID) *RoomAccess {
	s.lock.RLock()
	ra, ok := s.rooms[roomID]
	s.lock.RUnlock()
	if ok {
		return ra
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if ra, ok = s.rooms[roomID]; ok {
		return ra
	}
	ra = NewRoomAccess(roomID)
	s.rooms[roomID] = ra
	return ra
}

// Update routes evt to the RoomAccess for its room.
func (s *Store) Update(evt *event.Event) {
	if evt == nil {
		return
	}
	s.Ensure(evt.RoomID()).Update(evt)
}

// Check reports whether evt passes the ACCESS phase: its sender is not
// room-banned and its origin server is not excluded by the room's ACL.
func (s *Store) Check(roomID id.RoomID, senderServer string, senderID id.UserID) (allowed bool, reason string) {
	s.lock.RLock()
	ra, ok := s.rooms[roomID]
	s.lock.RUnlock()
	if !ok {
		return true, ""
	}
	if ra.Bans.IsBanned(senderID) {
		return false, "sender is banned in room"
	}
	if !ra.ACL().ServerAllowed(senderServer) {
		return false, "origin server denied by room server_acl"
	}
	return true, ""
}
