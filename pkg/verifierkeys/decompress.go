package verifierkeys

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// decompressPublicKey expands a compressed secp256k1 public key into its
// uncompressed 65-byte form (0x04 || X || Y).
func decompressPublicKey(compressed [33]byte) ([65]byte, error) {
	var out [65]byte
	pub, err := crypto.DecompressPubkey(compressed[:])
	if err != nil {
		return out, fmt.Errorf("decompressing public key: %w", err)
	}
	copy(out[:], crypto.FromECDSAPub(pub))
	return out, nil
}
