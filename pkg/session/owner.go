package session

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashCredential returns the one-way digest stored in place of an owner
// credential.
func HashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// enforceOwner is the single ownership gate every accessor routes through.
// The digest comparison is constant-time and a mismatch yields the same
// ErrSessionNotFound as a missing record, so timing and error shape leak
// nothing about whether the id exists.
func enforceOwner(rec *Record, credential string) error {
	if rec.OwnerHash == "" {
		return nil
	}
	supplied := HashCredential(credential)
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(rec.OwnerHash)) != 1 {
		return ErrSessionNotFound
	}
	return nil
}
