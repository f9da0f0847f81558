package lru

import (
	"errors"
	"fmt"
)

var (
	// ErrItemNotCached is returned when a key has no live entry.
	ErrItemNotCached = errors.New("item not cached")

	// ErrItemExpired is returned when a key had an entry but its
	// time-to-live has passed.
	ErrItemExpired = errors.New("item expired")

	// ErrCachedFileLocked is returned by a non-blocking acquisition when the
	// per-key lock is held, locally or by another process.
	ErrCachedFileLocked = errors.New("cached file locked")

	// ErrOpenHandlesExist is returned by Close while handles remain
	// outstanding.
	ErrOpenHandlesExist = errors.New("open handles exist")

	// ErrInvalidKey is returned when a key normalizes to an empty path,
	// escapes the storage root, or ends in a path separator.
	ErrInvalidKey = errors.New("invalid cache key")

	// ErrClosed is returned when a cache or backend is used after Close.
	ErrClosed = errors.New("cache is closed")
)

// StorageError wraps a backend failure with the offending key and operation.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
