// Package nostr implements the event primitives the zap pipeline is built
// on: key generation, event id computation, Schnorr signing and
// verification, and the NIP-44 encryption used for remote-signer traffic.
package nostr

import (
	"github.com/btcsuite/btcd/btcec/v2"
)

// GeneratePrivateKey generates a new random secp256k1 private key.
func GeneratePrivateKey() ([]byte, error) {
	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return privKey.Serialize(), nil
}

// GetPublicKey derives the x-only public key (32 bytes, BIP-340) from a
// private key.
func GetPublicKey(privKeyBytes []byte) ([]byte, error) {
	privKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	pubKey := privKey.PubKey()
	return pubKey.SerializeCompressed()[1:], nil
}
