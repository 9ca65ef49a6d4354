package collab

import (
	"time"
)

// reconciliation policy between locally authored edits and remotely received ones.
//
// the server is authoritative for version assignment. a local edit is packaged
// as a full-content operation tagged with the current (not incremented) version;
// the engine only advances its version when the server pushes an accepted
// operation back. this is a full-replace policy: the latest accepted full write
// wins, structural fields on the operation are carried but not interpreted.

type ApplyResult int

const (
	Applied ApplyResult = iota
	Stale
	Rejected
)

func (self ApplyResult) String() string {
	switch self {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// owned by a single session loop. not safe for concurrent use.
type SyncEngine struct {
	localUserId Id

	version      int
	content      string
	lastSyncTime time.Time
}

func NewSyncEngine(localUserId Id, version int, content string) *SyncEngine {
	return &SyncEngine{
		localUserId: localUserId,
		version:     version,
		content:     content,
	}
}

// replaces local state with the server's authoritative state, used on (re)join.
// the client does not assume continuity across reconnects.
func (self *SyncEngine) Reset(version int, content string) {
	self.version = version
	self.content = content
	self.lastSyncTime = time.Now()
}

func (self *SyncEngine) ApplyRemote(operation *Operation) ApplyResult {
	if operation == nil || operation.Version < 0 {
		return Rejected
	}
	switch operation.Kind {
	case OperationKindInsert, OperationKindDelete, OperationKindRetain:
	default:
		return Rejected
	}
	if operation.AuthorId == self.localUserId {
		// self echo. local state was already authored optimistically
		return Stale
	}
	if operation.Version <= self.version {
		// duplicate or out of order redelivery
		return Stale
	}
	self.version = operation.Version
	self.content = operation.Content
	self.lastSyncTime = time.Now()
	return Applied
}

// packages the entire new content as a single operation tagged with the
// current local version. the version is not incremented here.
func (self *SyncEngine) RecordLocalEdit(newFullContent string) *Operation {
	self.content = newFullContent
	return &Operation{
		Kind:     OperationKindInsert,
		Position: 0,
		Content:  newFullContent,
		AuthorId: self.localUserId,
		Version:  self.version,
	}
}

func (self *SyncEngine) CurrentVersion() int {
	return self.version
}

func (self *SyncEngine) Content() string {
	return self.content
}

func (self *SyncEngine) LastSyncTime() time.Time {
	return self.lastSyncTime
}
