// Package crypto provides the fixed-size hash used for service state hashes.
package crypto

import (
	"fmt"

	"github.com/nspcc-dev/neo-go/pkg/crypto/hash"
	"github.com/nspcc-dev/neo-go/pkg/util"
)

// HashSize is the length of a Hash in bytes.
const HashSize = util.Uint256Size

// Hash is a SHA-256 digest.
type Hash = util.Uint256

// Hash256 hashes data with SHA-256.
func Hash256(data []byte) Hash {
	return hash.Sha256(data)
}

// HashFromBytes decodes a digest in natural byte order.
func HashFromBytes(b []byte) (Hash, error) {
	if len(b) != HashSize {
		return Hash{}, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(b))
	}
	return util.Uint256DecodeBytesBE(b)
}
