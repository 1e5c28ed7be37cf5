package realtime

import "fmt"

// User identifies one client connection. (uid, device_id) is the connection
// key; session_id disambiguates a reconnect from the same device.
type User struct {
	UID       int64
	DeviceID  string
	SessionID string
}

// UserDevice is the reverse-index key: a user identity without its session.
type UserDevice struct {
	UID      int64
	DeviceID string
}

func (u User) Device() UserDevice {
	return UserDevice{UID: u.UID, DeviceID: u.DeviceID}
}

func (u User) String() string {
	return fmt.Sprintf("uid=%d device=%s session=%s", u.UID, u.DeviceID, u.SessionID)
}
