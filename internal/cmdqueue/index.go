package cmdqueue

import (
	"sync"

	"github.com/dispatchd/dispatchd/internal/detector"
)

// OutgoingIndex maps (detector, command) to the CID of the most recently
// promoted outgoing record. The worker writes it; the run-lifecycle recorder
// reads it to look up acknowledgements. An empty CID means "not promoted
// yet" and readers must tolerate it.
type OutgoingIndex struct {
	mu   sync.RWMutex
	cids map[detector.ID]map[Kind]string
}

// NewOutgoingIndex creates an empty index.
func NewOutgoingIndex() *OutgoingIndex {
	return &OutgoingIndex{cids: make(map[detector.ID]map[Kind]string)}
}

// Set records the promoted CID for (det, cmd).
func (i *OutgoingIndex) Set(det detector.ID, cmd Kind, cid string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	byCmd, ok := i.cids[det]
	if !ok {
		byCmd = make(map[Kind]string)
		i.cids[det] = byCmd
	}
	byCmd[cmd] = cid
}

// Get returns the promoted CID for (det, cmd), or "" if none yet.
func (i *OutgoingIndex) Get(det detector.ID, cmd Kind) string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.cids[det][cmd]
}
