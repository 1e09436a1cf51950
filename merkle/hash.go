package merkle

import (
	"crypto/sha256"
	"hash"
	"strings"

	"github.com/consensys/gnark-crypto/ecc"
	gnarkhash "github.com/consensys/gnark-crypto/hash"
	"github.com/provideplatform/custody/common"
)

// HashFactory resolves a hash implementation for the given algorithm name;
// sha256 is the default commitment hash but the MiMC family is supported for
// deployments where commitments must be verified inside an arithmetic circuit
func HashFactory(algorithm *string) hash.Hash {
	if algorithm == nil {
		return sha256.New()
	}

	switch strings.ToLower(*algorithm) {
	case "sha256":
		return sha256.New()
	case ecc.BLS12_377.String():
		return gnarkhash.MIMC_BLS12_377.New("seed")
	case ecc.BLS12_381.String():
		return gnarkhash.MIMC_BLS12_381.New("seed")
	case ecc.BN254.String():
		return gnarkhash.MIMC_BN254.New("seed")
	case ecc.BW6_761.String():
		return gnarkhash.MIMC_BW6_761.New("seed")
	case ecc.BLS24_315.String():
		return gnarkhash.MIMC_BLS24_315.New("seed")
	default:
		common.Log.Warningf("failed to resolve hash type string; unknown or unsupported hash: %s", *algorithm)
	}

	return nil
}
