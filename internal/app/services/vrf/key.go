package vrf

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"
)

var hkdfSalt = []byte("raffle-vrf")

// DeriveKey deterministically derives a secp256k1 proving key from seed.
// The same seed and version always yield the same key.
func DeriveKey(seed []byte, version string) (*ecdsa.PrivateKey, error) {
	if len(seed) == 0 {
		return nil, fmt.Errorf("vrf key seed is required")
	}
	version = strings.TrimSpace(version)
	if version == "" {
		version = "v1"
	}

	reader := hkdf.New(sha256.New, seed, hkdfSalt, []byte("vrf-key-"+version))
	okm := make([]byte, 32)
	if _, err := io.ReadFull(reader, okm); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	// Map into [1, n-1].
	n := crypto.S256().Params().N
	d := new(big.Int).SetBytes(okm)
	d.Mod(d, new(big.Int).Sub(n, big.NewInt(1)))
	d.Add(d, big.NewInt(1))

	key, err := crypto.ToECDSA(d.FillBytes(make([]byte, 32)))
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// KeyHash identifies a proving key the way oracle gas lanes do: the keccak
// hash of the uncompressed public key coordinates.
func KeyHash(pub *ecdsa.PublicKey) common.Hash {
	return crypto.Keccak256Hash(crypto.FromECDSAPub(pub)[1:])
}
