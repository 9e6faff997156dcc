package signaling

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

const (
	roomIDLength   = 8
	roomIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	roomIDAttempts = 3
)

// NewRoomID returns a random 8 character base36 token.
func NewRoomID() string {
	b := make([]byte, roomIDLength)
	for i := range b {
		b[i] = roomIDAlphabet[randomIndex(len(roomIDAlphabet))]
	}
	return string(b)
}

// MintRoomID returns a room id that does not exist on ch yet. The id space
// is large enough that the probe almost never retries; it exists so that a
// collision fails loudly instead of hijacking someone else's room.
func MintRoomID(ctx context.Context, ch Channel) (string, error) {
	for i := 0; i < roomIDAttempts; i++ {
		id := NewRoomID()
		_, err := ch.GetRoom(ctx, id)
		switch {
		case errors.Is(err, ErrRoomNotFound):
			return id, nil
		case err != nil:
			return "", err
		}
	}
	return "", fmt.Errorf("mint room id: %w after %d attempts", ErrRoomExists, roomIDAttempts)
}

// randomIndex returns a cryptographically secure random index for a slice of given length.
func randomIndex(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return int(n.Int64())
}
