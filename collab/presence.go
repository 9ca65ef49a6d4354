package collab

import (
	"bytes"
	"hash/fnv"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

// the authoritative local view of who is online, who is typing,
// and where their cursors are. fed by the session loop from transport
// events; the presentation layer only ever sees copied snapshots.

// a remembered collaborator
type PresenceEntry struct {
	UserId         Id
	Username       string
	Color          string
	IsTyping       bool
	CursorPosition *int
	Selection      *Selection
	LastSeen       time.Time
}

func (self *PresenceEntry) copy() *PresenceEntry {
	entry := &PresenceEntry{
		UserId:   self.UserId,
		Username: self.Username,
		Color:    self.Color,
		IsTyping: self.IsTyping,
		LastSeen: self.LastSeen,
	}
	if self.CursorPosition != nil {
		position := *self.CursorPosition
		entry.CursorPosition = &position
	}
	if self.Selection != nil {
		selection := *self.Selection
		entry.Selection = &selection
	}
	return entry
}

type presenceState struct {
	entry          *PresenceEntry
	typingDeadline time.Time
}

// owned by a single session loop. not safe for concurrent use.
type PresenceTracker struct {
	localUserId       Id
	typingIdleTimeout time.Duration

	entries map[Id]*presenceState
}

func NewPresenceTracker(localUserId Id, typingIdleTimeout time.Duration) *PresenceTracker {
	return &PresenceTracker{
		localUserId:       localUserId,
		typingIdleTimeout: typingIdleTimeout,
		entries:           map[Id]*presenceState{},
	}
}

func (self *PresenceTracker) ApplyJoin(user *User) {
	if user == nil {
		glog.Infof("[p]drop join, missing user\n")
		return
	}
	if user.UserId == self.localUserId {
		// local presence is authored optimistically by the broadcaster.
		// do not let a transport echo overwrite it
		return
	}
	state, ok := self.entries[user.UserId]
	if !ok {
		state = &presenceState{
			entry: &PresenceEntry{
				UserId:   user.UserId,
				Username: user.Username,
				Color:    UserColor(user.UserId, user.Username),
			},
		}
		self.entries[user.UserId] = state
	}
	state.entry.Username = user.Username
	state.entry.LastSeen = time.Now()
}

func (self *PresenceTracker) ApplyLeave(userId Id) {
	delete(self.entries, userId)
}

// replaces the entire set. used after (re)join, this is the reconciliation
// point that corrects any drift accumulated from missed incremental events.
func (self *PresenceTracker) ApplyBulkSync(users []*User) {
	maps.Clear(self.entries)
	for _, user := range users {
		self.ApplyJoin(user)
	}
}

func (self *PresenceTracker) ApplyCursor(userId Id, position int, selection *Selection) {
	if userId == self.localUserId {
		return
	}
	state, ok := self.entries[userId]
	if !ok {
		glog.V(2).Infof("[p]drop cursor for unknown user %s\n", userId)
		return
	}
	state.entry.CursorPosition = &position
	state.entry.Selection = selection
	state.entry.LastSeen = time.Now()
}

func (self *PresenceTracker) ApplyTyping(userId Id, isTyping bool) {
	if userId == self.localUserId {
		return
	}
	state, ok := self.entries[userId]
	if !ok {
		glog.V(2).Infof("[p]drop typing for unknown user %s\n", userId)
		return
	}
	now := time.Now()
	state.entry.IsTyping = isTyping
	state.entry.LastSeen = now
	if isTyping {
		state.typingDeadline = now.Add(self.typingIdleTimeout)
	} else {
		state.typingDeadline = time.Time{}
	}
}

// returns copies ordered by username then user id.
// typing flags are advisory and self-expire when no refresh arrived
// within the idle window, so an explicit stop push may be dropped
// without the flag sticking on.
func (self *PresenceTracker) Snapshot() []*PresenceEntry {
	return self.snapshot(time.Now())
}

func (self *PresenceTracker) snapshot(now time.Time) []*PresenceEntry {
	entries := make([]*PresenceEntry, 0, len(self.entries))
	for _, state := range self.entries {
		entry := state.entry.copy()
		if entry.IsTyping && state.typingDeadline.Before(now) {
			entry.IsTyping = false
		}
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a *PresenceEntry, b *PresenceEntry) int {
		if a.Username != b.Username {
			if a.Username < b.Username {
				return -1
			}
			return 1
		}
		return bytes.Compare(a.UserId.Bytes(), b.UserId.Bytes())
	})
	return entries
}

func (self *PresenceTracker) Clear() {
	maps.Clear(self.entries)
}

// remote cursor colors. two clients observing the same user must compute
// the same color without coordination, so assignment is a pure function
// of user identity, never time- or instance-seeded.
var userColors = []string{
	"#e6194b",
	"#3cb44b",
	"#ffe119",
	"#4363d8",
	"#f58231",
	"#911eb4",
	"#46f0f0",
	"#f032e6",
	"#bcf60c",
	"#fabebe",
	"#008080",
	"#e6beff",
	"#9a6324",
	"#800000",
	"#aaffc3",
	"#808000",
	"#ffd8b1",
	"#000075",
}

func UserColor(userId Id, username string) string {
	h := fnv.New32a()
	h.Write(userId.Bytes())
	h.Write([]byte(username))
	return userColors[int(h.Sum32())%len(userColors)]
}
