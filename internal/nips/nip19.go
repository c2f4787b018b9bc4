package nips

import (
	"encoding/hex"
	"errors"
	"strings"
)

// DecodePubkey decodes an npub1... string to a 64-char hex pubkey.
func DecodePubkey(npub string) (string, error) {
	if !strings.HasPrefix(npub, "npub1") {
		return "", errors.New("not an npub")
	}

	hrp, data, err := Bech32Decode(npub)
	if err != nil {
		return "", err
	}
	if hrp != "npub" {
		return "", errors.New("invalid hrp for npub")
	}

	keyBytes, err := Bech32ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", err
	}
	if len(keyBytes) != 32 {
		return "", errors.New("invalid pubkey length")
	}

	return hex.EncodeToString(keyBytes), nil
}

// EncodePubkey encodes a 64-char hex pubkey to npub format.
func EncodePubkey(hexPubkey string) (string, error) {
	pubkeyBytes, err := hex.DecodeString(hexPubkey)
	if err != nil {
		return "", err
	}
	if len(pubkeyBytes) != 32 {
		return "", errors.New("invalid pubkey length")
	}

	data, err := Bech32ConvertBits(pubkeyBytes, 8, 5, true)
	if err != nil {
		return "", err
	}

	return Bech32Encode("npub", data)
}

// NProfile represents a decoded nprofile1... identifier.
type NProfile struct {
	Pubkey     string
	RelayHints []string
}

// TLV type constants for NIP-19.
const (
	tlvTypeSpecial = 0
	tlvTypeRelay   = 1
)

// DecodeNProfile decodes a nprofile1... bech32 string.
func DecodeNProfile(nprofile string) (*NProfile, error) {
	if !strings.HasPrefix(nprofile, "nprofile1") {
		return nil, errors.New("not a nprofile")
	}

	hrp, data, err := Bech32Decode(nprofile)
	if err != nil {
		return nil, err
	}
	if hrp != "nprofile" {
		return nil, errors.New("invalid hrp for nprofile")
	}

	tlvBytes, err := Bech32ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}

	result := &NProfile{}
	for len(tlvBytes) >= 2 {
		typ := tlvBytes[0]
		length := int(tlvBytes[1])
		if len(tlvBytes) < 2+length {
			return nil, errors.New("truncated TLV")
		}
		value := tlvBytes[2 : 2+length]
		tlvBytes = tlvBytes[2+length:]

		switch typ {
		case tlvTypeSpecial:
			if length != 32 {
				return nil, errors.New("invalid pubkey length in nprofile")
			}
			result.Pubkey = hex.EncodeToString(value)
		case tlvTypeRelay:
			result.RelayHints = append(result.RelayHints, string(value))
		}
	}

	if result.Pubkey == "" {
		return nil, errors.New("nprofile missing pubkey")
	}
	return result, nil
}
