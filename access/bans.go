package access

import (
	"sync"

	"maunium.net/go/mautrix/id"
)

// MembershipBan is the membership value that marks a room-wide ban.
const MembershipBan = "ban"

// BanSet tracks the users currently banned in a single room, derived from
// m.room.member state events with membership=ban. It is the fast static-map
// lookup the ACCESS phase needs; unlike server ACL globs, room bans are
// always exact user IDs so no pattern matching is required.
type BanSet struct {
	banned map[id.UserID]id.EventID
	lock   sync.RWMutex
}

// NewBanSet creates an empty ban set.
func NewBanSet() *BanSet {
	return &BanSet{banned: make(map[id.UserID]id.EventID)}
}

// Ban records that userID is banned by the membership event banEventID.
func (b *BanSet) Ban(userID id.UserID, banEventID id.EventID) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.banned[userID] = banEventID
}

// Unban clears any ban recorded for userID.
func (b *BanSet) Unban(userID id.UserID) {
	b.lock.Lock()
	defer b.lock.Unlock()
	delete(b.banned, userID)
}

// IsBanned reports whether userID currently carries a room ban.
func (b *BanSet) IsBanned(userID id.UserID) bool {
	b.lock.RLock()
	defer b.lock.RUnlock()
	_, ok := b.banned[userID]
	return ok
}

// ApplyMembership updates the ban set from a m.room.member state event.
func (b *BanSet) ApplyMembership(userID id.UserID, eventID id.EventID, membership string) {
	if membership == MembershipBan {
		b.Ban(userID, eventID)
	} else {
		b.Unban(userID)
	}
}
