// Package prand spreads math/rand sources across lockable slots so that
// concurrent operations on different swarms do not contend on one seed.
package prand

import (
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"github.com/tyto-tracker/tyto/bittorrent"
)

type slot struct {
	mu sync.Mutex
	r  *rand.Rand
}

// Pool holds a fixed number of individually lockable random sources. An
// infohash always maps to the same slot.
type Pool struct {
	slots []*slot
}

// NewSeeded returns a Pool of size sources, each seeded with seed.
func NewSeeded(size int, seed int64) *Pool {
	p := &Pool{slots: make([]*slot, size)}
	for i := range p.slots {
		p.slots[i] = &slot{r: rand.New(rand.NewSource(seed))}
	}

	return p
}

// New returns a Pool of size sources seeded with the current time.
func New(size int) *Pool {
	return NewSeeded(size, time.Now().UnixNano())
}

func (p *Pool) index(ih bittorrent.InfoHash) int {
	return int(binary.BigEndian.Uint32(ih[:4])) % len(p.slots)
}

// ByInfohash locks and returns the source the infohash maps to. The caller
// must release it with Release when done.
func (p *Pool) ByInfohash(ih bittorrent.InfoHash) *rand.Rand {
	s := p.slots[p.index(ih)]
	s.mu.Lock()
	return s.r
}

// Release unlocks the source the infohash maps to.
//
// Release panics if the source is not locked.
func (p *Pool) Release(ih bittorrent.InfoHash) {
	p.slots[p.index(ih)].mu.Unlock()
}
