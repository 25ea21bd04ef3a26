package store

// OnlineChanges lists the devices whose online flag flipped in one
// SyncOnlineFlags call.
type OnlineChanges struct {
	Online  []string
	Offline []string
}

// Empty reports whether nothing changed.
func (c OnlineChanges) Empty() bool {
	return len(c.Online) == 0 && len(c.Offline) == 0
}

// DefaultRecordLimit caps feeding record listings.
const DefaultRecordLimit = 50
