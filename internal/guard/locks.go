package guard

import (
	"sync"

	"github.com/zeebo/xxh3"
)

const lockShardCount = 32

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*deviceLock
}

type deviceLock struct {
	mu   sync.Mutex
	refs int
}

// deviceLocks serializes work per device id. Entries are dropped once no
// goroutine holds or waits on them.
type deviceLocks struct {
	shards []lockShard
}

func newDeviceLocks() *deviceLocks {
	d := &deviceLocks{shards: make([]lockShard, lockShardCount)}
	for i := range d.shards {
		d.shards[i].locks = make(map[string]*deviceLock)
	}
	return d
}

func (d *deviceLocks) shard(deviceID string) *lockShard {
	hash := xxh3.HashString(deviceID)
	return &d.shards[int(hash%uint64(len(d.shards)))]
}

// lock blocks until deviceID is owned and returns the release func.
func (d *deviceLocks) lock(deviceID string) func() {
	shard := d.shard(deviceID)
	shard.mu.Lock()
	l := shard.locks[deviceID]
	if l == nil {
		l = &deviceLock{}
		shard.locks[deviceID] = l
	}
	l.refs++
	shard.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		shard.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(shard.locks, deviceID)
		}
		shard.mu.Unlock()
	}
}

// size returns the number of live lock entries.
func (d *deviceLocks) size() int {
	total := 0
	for i := range d.shards {
		shard := &d.shards[i]
		shard.mu.Lock()
		total += len(shard.locks)
		shard.mu.Unlock()
	}
	return total
}
