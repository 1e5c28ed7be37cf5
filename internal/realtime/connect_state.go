package realtime

import (
	"sort"
	"strconv"
)

// ConnectState is the authoritative mapping of active users to their
// outbound routers, plus a device-keyed reverse index. Both maps are updated
// together so that for every (u, r) in byUser, byDevice[u.Device()] == u —
// no orphan entries in either direction.
type ConnectState struct {
	byUser   *ShardMap[*ClientMessageRouter]
	byDevice *ShardMap[User]
}

func deviceKey(d UserDevice) string {
	// UID and DeviceID are independently delimited so two distinct devices
	// never collide on the composite string key.
	return d.DeviceID + "\x00" + strconv.FormatInt(d.UID, 10)
}

func userKey(u User) string {
	return u.SessionID + "\x00" + deviceKey(u.Device())
}

// NewConnectState creates an empty ConnectState.
func NewConnectState() *ConnectState {
	return &ConnectState{
		byUser:   NewShardMap[*ClientMessageRouter](),
		byDevice: NewShardMap[User](),
	}
}

// shardRef identifies one shard to lock across the two maps: rank 0 is
// byUser, rank 1 is byDevice. Every lock acquisition in this file goes
// through withShardLocks, which always takes shards in ascending
// (rank, index) order — by_user shards, lowest index first, then by_device
// shards — so two concurrent connect/disconnect calls can never each hold
// one map's shard while waiting on the other's.
type shardRef struct {
	rank  int
	index int
}

// withShardLocks locks every distinct shard in refs in the fixed order
// above, runs fn, then unlocks in reverse.
func (c *ConnectState) withShardLocks(refs []shardRef, fn func()) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].rank != refs[j].rank {
			return refs[i].rank < refs[j].rank
		}
		return refs[i].index < refs[j].index
	})

	locked := refs[:0]
	for _, r := range refs {
		if len(locked) > 0 && locked[len(locked)-1] == r {
			continue
		}
		locked = append(locked, r)
	}

	for _, r := range locked {
		if r.rank == 0 {
			c.byUser.lockShard(r.index)
		} else {
			c.byDevice.lockShard(r.index)
		}
	}
	defer func() {
		for i := len(locked) - 1; i >= 0; i-- {
			r := locked[i]
			if r.rank == 0 {
				c.byUser.unlockShard(r.index)
			} else {
				c.byDevice.unlockShard(r.index)
			}
		}
	}()

	fn()
}

// HandleUserConnect atomically inserts or replaces the router for newUser.
// If a prior user occupied the same (uid, device_id), it is returned (and
// its router is not itself closed here — the caller drives that via
// GroupManager.RemoveUser and the router's own Close).
//
// Which byUser shard the prior occupant's key falls in isn't known until
// byDevice is read, so this locks an optimistic guess (itself read outside
// any lock), then re-checks the guess once every shard is held; a racing
// connect/disconnect for the same device between the guess and the lock
// invalidates it at worst, and the loop retries with a fresh guess rather
// than mutate under an incomplete lock set.
func (c *ConnectState) HandleUserConnect(newUser User, newRouter *ClientMessageRouter) (oldUser User, hadOld bool) {
	dk := deviceKey(newUser.Device())
	newUK := userKey(newUser)
	deviceIdx := shardIndex(dk)
	newUserIdx := shardIndex(newUK)

	for {
		guess, _ := c.byDevice.Get(dk)
		guessIdx := newUserIdx
		if guess != (User{}) {
			guessIdx = shardIndex(userKey(guess))
		}

		retry := false
		c.withShardLocks([]shardRef{{0, newUserIdx}, {0, guessIdx}, {1, deviceIdx}}, func() {
			current, exists := c.byDevice.getLocked(dk)
			if exists && shardIndex(userKey(current)) != guessIdx {
				retry = true
				return
			}

			if exists {
				c.byUser.deleteLocked(userKey(current))
				oldUser, hadOld = current, true
			}
			c.byDevice.setLocked(dk, newUser)
			c.byUser.setLocked(newUK, newRouter)
		})
		if retry {
			continue
		}
		return oldUser, hadOld
	}
}

// HandleUserDisconnect removes (user, router) only if the stored user's
// session still matches user.SessionID — this guards against racing with a
// newer reconnect that has already superseded this session. Returns the
// removed user, or ok=false if the session no longer matches (already
// superseded, so this is a no-op). user's own key pins a single byUser
// shard up front, so unlike connect there is nothing to guess and no retry
// is needed.
func (c *ConnectState) HandleUserDisconnect(user User) (removed User, ok bool) {
	dk := deviceKey(user.Device())
	uk := userKey(user)

	c.withShardLocks([]shardRef{{0, shardIndex(uk)}, {1, shardIndex(dk)}}, func() {
		current, exists := c.byDevice.getLocked(dk)
		if !exists || current.SessionID != user.SessionID {
			return
		}
		c.byDevice.deleteLocked(dk)
		c.byUser.deleteLocked(uk)
		removed, ok = user, true
	})
	return removed, ok
}

// NumberOfConnectedUsers returns a snapshot count of connected users.
func (c *ConnectState) NumberOfConnectedUsers() int {
	return c.byUser.Len()
}

// UserByDevice looks up the user currently occupying a device slot.
func (c *ConnectState) UserByDevice(d UserDevice) (User, bool) {
	return c.byDevice.Get(deviceKey(d))
}

// RouterFor returns the router for a connected user, if any.
func (c *ConnectState) RouterFor(user User) (*ClientMessageRouter, bool) {
	return c.byUser.Get(userKey(user))
}
