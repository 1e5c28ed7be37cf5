package cache

import "fmt"

// prefixPersistLock namespaces the distributed lock collab-core instances
// use to avoid two replicas flushing the same object's state concurrently.
const prefixPersistLock = "collab:persist-lock"

// PersistLockKey returns the SetNX key a replica holds while it owns the
// right to persist objectID's collaboration state.
func PersistLockKey(objectID string) string {
	return fmt.Sprintf("%s:%s", prefixPersistLock, objectID)
}
