package swap

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ccoveille/go-safecast"
)

func sha256Hash(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

func lockupTxOutValue(lockup *LockupOutput) (int64, error) {
	value, err := safecast.ToInt64(lockup.Amount)
	if err != nil {
		return 0, fmt.Errorf("lockup amount: %w", err)
	}
	return value, nil
}

func parsePubkey(pubkeyHex string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode public key hex: %w", err)
	}
	if len(b) != 33 {
		return nil, fmt.Errorf("invalid public key length: got %d want 33", len(b))
	}

	pk, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	return pk, nil
}

func parseHash32(hashHex string) ([32]byte, error) {
	b, err := hex.DecodeString(hashHex)
	if err != nil {
		return [32]byte{}, fmt.Errorf("decode hash hex: %w", err)
	}
	if len(b) != 32 {
		return [32]byte{}, fmt.Errorf("invalid hash length: got %d want 32", len(b))
	}

	var h [32]byte
	copy(h[:], b)
	return h, nil
}
