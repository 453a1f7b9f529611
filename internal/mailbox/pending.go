package mailbox

type Mutation string

const (
	MutationDeleted Mutation = "deleted"
	MutationMoved   Mutation = "moved"
)

// PendingChange is a server-side change that needs an expunge to become final.
type PendingChange struct {
	UID      uint32
	Mutation Mutation
}

// Pending is the queue of changes waiting for the next expunge. A MailBox owns
// it; messages listed from that mailbox hold a handle to it.
type Pending struct {
	changes []PendingChange
}

func (p *Pending) add(uid uint32, m Mutation) {
	p.changes = append(p.changes, PendingChange{UID: uid, Mutation: m})
}

func (p *Pending) Len() int {
	return len(p.changes)
}

// Changes returns a copy of the queued changes in the order they were made.
func (p *Pending) Changes() []PendingChange {
	out := make([]PendingChange, len(p.changes))
	copy(out, p.changes)
	return out
}

func (p *Pending) drain() []uint32 {
	seen := make(map[uint32]struct{}, len(p.changes))
	uids := make([]uint32, 0, len(p.changes))
	for _, c := range p.changes {
		if _, ok := seen[c.UID]; ok {
			continue
		}
		seen[c.UID] = struct{}{}
		uids = append(uids, c.UID)
	}
	p.changes = nil
	return uids
}
