package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
)

// ErrInvalidKey is returned when a key is neither valid hex nor bech32.
var ErrInvalidKey = errors.New("invalid key")

const (
	hrpPublic = "npub"
	hrpSecret = "nsec"
)

// EncodeNpub renders a hex public key as npub1...
func EncodeNpub(pubkeyHex string) (string, error) {
	return encodeBech32(hrpPublic, pubkeyHex)
}

// EncodeNsec renders a hex secret key as nsec1...
func EncodeNsec(secretHex string) (string, error) {
	return encodeBech32(hrpSecret, secretHex)
}

// DecodeNpub returns the hex public key inside an npub.
func DecodeNpub(npub string) (string, error) {
	return decodeBech32(hrpPublic, npub)
}

// DecodeNsec returns the hex secret key inside an nsec.
func DecodeNsec(nsec string) (string, error) {
	return decodeBech32(hrpSecret, nsec)
}

// DecodePubKey accepts a hex public key or an npub and returns lowercase hex.
func DecodePubKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, hrpPublic+"1") {
		return DecodeNpub(s)
	}
	if !IsValidPubKey(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return strings.ToLower(s), nil
}

// DecodeSecretKey accepts a hex secret key or an nsec and returns lowercase hex.
func DecodeSecretKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, hrpSecret+"1") {
		return DecodeNsec(s)
	}
	if !isHex(s, 32) {
		return "", fmt.Errorf("%w: secret key is not 32-byte hex", ErrInvalidKey)
	}
	return strings.ToLower(s), nil
}

func encodeBech32(hrp, keyHex string) (string, error) {
	raw, err := hex.DecodeString(keyHex)
	if err != nil || len(raw) != 32 {
		return "", fmt.Errorf("%w: not 32-byte hex", ErrInvalidKey)
	}
	data, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return bech32.Encode(hrp, data)
}

func decodeBech32(hrp, s string) (string, error) {
	gotHRP, data, err := bech32.Decode(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if gotHRP != hrp {
		return "", fmt.Errorf("%w: expected %s, got %s", ErrInvalidKey, hrp, gotHRP)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(raw))
	}
	return hex.EncodeToString(raw), nil
}
