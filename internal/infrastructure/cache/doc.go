// Package cache provides a small in-memory key/value store with per-entry
// expiry.
//
// The MQTT client uses it to keep the last known status of each device so
// callers can recover a device's state after a reconnect without waiting for
// the next status message. Entries are dropped lazily on read and in bulk by
// Purge.
//
// Usage:
//
//	c := cache.New()
//	c.Set("device:d1", update, 5*time.Minute)
//	if v, ok := c.Get("device:d1"); ok {
//	    ...
//	}
package cache
