// Package id generates entity identifiers and derives advisory-lock
// keys from them.
package id

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// New returns a fresh random (v4) UUID for a new entity.
func New() uuid.UUID {
	return uuid.New()
}

// lockKeyMask keeps the derived lock key within the positive range of
// a signed 64-bit integer, as Postgres's advisory lock functions take
// a bigint.
const lockKeyMask = 0x7FFF_FFFF_FFFF_FFFF

// LockKey derives the 64-bit advisory-lock key for an entity UUID: the
// low 63 bits of the first 8 bytes of the UUID, big-endian. Session
// locks and meeting locks share this key space; collisions are
// statistically negligible and conservative (a false contention only
// ever causes a caller to retry, never a correctness violation).
func LockKey(entity uuid.UUID) int64 {
	raw := binary.BigEndian.Uint64(entity[0:8])
	return int64(raw & lockKeyMask)
}
