// Package keyring provides the signing identity and event verification.
//
// Keyring is the central place for:
//   - Event ids (content hash over the canonical serialization)
//   - Signing (our identity signs the events we author)
//   - Verification (ids and BIP-340 schnorr signatures of everyone else's events)
//
// A Keyring without a secret key is read-only: it can verify but not sign.
package keyring

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/eljojo/agenda/types"
)

var (
	// ErrInvalidID means the event id does not match its content.
	ErrInvalidID = errors.New("invalid event id")
	// ErrInvalidSignature means the signature does not match the id and author.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrNoSecretKey is returned when signing with a read-only keyring.
	ErrNoSecretKey = errors.New("keyring has no secret key")
)

// Verifier checks that an event's id and signature match its content.
type Verifier interface {
	Verify(e types.Event) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(e types.Event) error

// Verify calls f.
func (f VerifierFunc) Verify(e types.Event) error { return f(e) }

// Keyring manages our identity.
type Keyring struct {
	privateKey *btcec.PrivateKey // nil when read-only
	pubkey     string            // x-only hex
}

// New creates a Keyring from a hex or nsec secret key.
func New(secret string) (*Keyring, error) {
	secretHex, err := types.DecodeSecretKey(secret)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, err
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return &Keyring{
		privateKey: priv,
		pubkey:     hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
	}, nil
}

// Generate creates a Keyring with a fresh random key.
func Generate() (*Keyring, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &Keyring{
		privateKey: priv,
		pubkey:     hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
	}, nil
}

// ReadOnly creates a Keyring that knows who we are but cannot sign.
func ReadOnly(pubkey string) (*Keyring, error) {
	pk, err := types.DecodePubKey(pubkey)
	if err != nil {
		return nil, err
	}
	return &Keyring{pubkey: pk}, nil
}

// PubKey returns our public key as hex.
func (k *Keyring) PubKey() string {
	return k.pubkey
}

// CanSign reports whether a secret key is loaded.
func (k *Keyring) CanSign() bool {
	return k.privateKey != nil
}

// SecretHex returns the secret key as hex, or "" when read-only.
func (k *Keyring) SecretHex() string {
	if k.privateKey == nil {
		return ""
	}
	return hex.EncodeToString(k.privateKey.Serialize())
}

// Sign fills in the author, id and signature of e.
func (k *Keyring) Sign(e *types.Event) error {
	if k.privateKey == nil {
		return ErrNoSecretKey
	}
	e.PubKey = k.pubkey
	if e.Tags == nil {
		e.Tags = types.Tags{}
	}
	e.ID = ComputeID(*e)
	idBytes, _ := hex.DecodeString(e.ID)
	sig, err := schnorr.Sign(k.privateKey, idBytes)
	if err != nil {
		return fmt.Errorf("sign %s: %w", types.ShortID(e.ID), err)
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks e's id and signature. It implements Verifier.
func (k *Keyring) Verify(e types.Event) error {
	return VerifyEvent(e)
}

// SchnorrVerifier is the default Verifier.
var SchnorrVerifier Verifier = VerifierFunc(VerifyEvent)

// VerifyEvent checks that the id hashes the content and the signature is the author's.
func VerifyEvent(e types.Event) error {
	if !types.IsValidID(e.ID) || ComputeID(e) != e.ID {
		return ErrInvalidID
	}
	if len(e.Sig) != 128 || !types.IsCanonicalPubKey(e.PubKey) {
		return ErrInvalidSignature
	}
	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return ErrInvalidSignature
	}
	pubKeyBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return ErrInvalidSignature
	}
	idBytes, _ := hex.DecodeString(e.ID)

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return ErrInvalidSignature
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return ErrInvalidSignature
	}
	if !sig.Verify(idBytes, pubKey) {
		return ErrInvalidSignature
	}
	return nil
}

// ComputeID hashes the canonical serialization [0,pubkey,created_at,kind,tags,content].
func ComputeID(e types.Event) string {
	sum := sha256.Sum256(canonical(e))
	return hex.EncodeToString(sum[:])
}

func canonical(e types.Event) []byte {
	tags := e.Tags
	if tags == nil {
		tags = types.Tags{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	// ids are computed over unescaped text, so <, > and & must stay literal
	enc.SetEscapeHTML(false)
	_ = enc.Encode([]any{0, e.PubKey, e.CreatedAt, int(e.Kind), tags, e.Content})
	return bytes.TrimRight(buf.Bytes(), "\n")
}
