package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

var (
	// ErrUnboxFailed means the data was not boxed with the same group code.
	ErrUnboxFailed = errors.New("crypto: unbox failed")
	// ErrEmptyGroupCode rejects boxing with an empty shared secret.
	ErrEmptyGroupCode = errors.New("crypto: group code is empty")
)

// GroupKey derives the secretbox key from the human-entered group code.
func GroupKey(groupCode string) [32]byte {
	return sha256.Sum256([]byte(groupCode))
}

// Box encrypts data with a key derived from groupCode. Output is nonce || secretbox(data).
func Box(data []byte, groupCode string) ([]byte, error) {
	if groupCode == "" {
		return nil, ErrEmptyGroupCode
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	key := GroupKey(groupCode)
	out := make([]byte, nonceSize, nonceSize+len(data)+secretbox.Overhead)
	copy(out, nonce[:])
	return secretbox.Seal(out, data, &nonce, &key), nil
}

// Unbox reverses Box. Any authentication failure is reported as ErrUnboxFailed.
func Unbox(boxed []byte, groupCode string) ([]byte, error) {
	if groupCode == "" {
		return nil, ErrEmptyGroupCode
	}
	if len(boxed) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: input too short (%d bytes)", ErrUnboxFailed, len(boxed))
	}

	var nonce [nonceSize]byte
	copy(nonce[:], boxed[:nonceSize])
	key := GroupKey(groupCode)

	opened, ok := secretbox.Open(nil, boxed[nonceSize:], &nonce, &key)
	if !ok {
		return nil, ErrUnboxFailed
	}
	return opened, nil
}
