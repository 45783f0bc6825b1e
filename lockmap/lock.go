// lockmap is a sharded map of per-sector locks.
//
// The API is as if LockMap held a lock for every sector number;
// LockMap.Acquire(s) acquires the lock of sector s and LockMap.Release(s)
// releases it. The file system locks a file by the sector of its header.
//
// Only sectors that are held or waited on have state. Sector s belongs to
// shard s % NSHARD, and acquiring a lock synchronizes with every other sector
// in the same shard.
package lockmap

import (
	"sync"

	"github.com/mit-pdos/go-filesys/common"
)

type lockState struct {
	held    bool
	cond    *sync.Cond
	waiters uint64
}

type lockShard struct {
	mu    *sync.Mutex
	state map[common.Bnum]*lockState
}

func mkLockShard() *lockShard {
	return &lockShard{
		mu:    new(sync.Mutex),
		state: make(map[common.Bnum]*lockState),
	}
}

func (shard *lockShard) acquire(s common.Bnum) {
	shard.mu.Lock()
	st, ok := shard.state[s]
	if !ok {
		st = &lockState{cond: sync.NewCond(shard.mu)}
		shard.state[s] = st
	}
	for st.held {
		st.waiters += 1
		st.cond.Wait()
		st.waiters -= 1
	}
	st.held = true
	shard.mu.Unlock()
}

func (shard *lockShard) release(s common.Bnum) {
	shard.mu.Lock()
	st, ok := shard.state[s]
	if !ok || !st.held {
		panic("lockmap: release of unheld sector")
	}
	st.held = false
	if st.waiters > 0 {
		st.cond.Signal()
	} else {
		delete(shard.state, s)
	}
	shard.mu.Unlock()
}

func (shard *lockShard) isHeld(s common.Bnum) bool {
	shard.mu.Lock()
	st, ok := shard.state[s]
	held := ok && st.held
	shard.mu.Unlock()
	return held
}

const NSHARD uint64 = 43

type LockMap struct {
	shards []*lockShard
}

func MkLockMap() *LockMap {
	shards := make([]*lockShard, 0, NSHARD)
	for i := uint64(0); i < NSHARD; i++ {
		shards = append(shards, mkLockShard())
	}
	return &LockMap{shards: shards}
}

func (lmap *LockMap) Acquire(s common.Bnum) {
	lmap.shards[s%NSHARD].acquire(s)
}

func (lmap *LockMap) Release(s common.Bnum) {
	lmap.shards[s%NSHARD].release(s)
}

// IsHeld is for assertions; the answer may be stale by the time it returns.
func (lmap *LockMap) IsHeld(s common.Bnum) bool {
	return lmap.shards[s%NSHARD].isHeld(s)
}
