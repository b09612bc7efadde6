package keyring

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/eljojo/agenda/types"
)

func TestKeyring_Identity(t *testing.T) {
	kr, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	if !types.IsValidPubKey(kr.PubKey()) {
		t.Errorf("PubKey() = %q is not a valid key", kr.PubKey())
	}
	if !kr.CanSign() {
		t.Error("generated keyring should be able to sign")
	}

	// loading the same secret gives the same identity
	again, err := New(kr.SecretHex())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if again.PubKey() != kr.PubKey() {
		t.Errorf("expected %s, got %s", kr.PubKey(), again.PubKey())
	}

	nsec, err := types.EncodeNsec(kr.SecretHex())
	if err != nil {
		t.Fatalf("EncodeNsec failed: %v", err)
	}
	fromNsec, err := New(nsec)
	if err != nil || fromNsec.PubKey() != kr.PubKey() {
		t.Errorf("New(nsec) = %v, %v", fromNsec, err)
	}
}

func TestKeyring_SignAndVerify(t *testing.T) {
	kr, _ := Generate()

	e := types.Event{
		CreatedAt: 1700000000,
		Kind:      types.KindCalendarEvent,
		Tags:      types.Tags{{"d", "d1"}, {"title", "Tea & <cake>"}, {"start", "1700003600"}},
		Content:   "bring mugs",
	}
	if err := kr.Sign(&e); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if e.PubKey != kr.PubKey() {
		t.Errorf("Sign should set the author")
	}
	if err := kr.Verify(e); err != nil {
		t.Errorf("Verify failed for own signature: %v", err)
	}

	// tampering with content breaks the id
	tampered := e
	tampered.Content = "bring cups"
	if err := VerifyEvent(tampered); !errors.Is(err, ErrInvalidID) {
		t.Errorf("expected ErrInvalidID, got %v", err)
	}

	// a valid id re-signed by someone else breaks the signature
	other, _ := Generate()
	forged := e
	forged.PubKey = other.PubKey()
	forged.ID = ComputeID(forged)
	if err := VerifyEvent(forged); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestKeyring_ReadOnly(t *testing.T) {
	kr, err := ReadOnly("npub180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsyjh6w6")
	if err != nil {
		t.Fatalf("ReadOnly failed: %v", err)
	}
	if kr.CanSign() {
		t.Error("read-only keyring should not sign")
	}
	e := types.Event{Kind: types.KindFollowList}
	if err := kr.Sign(&e); !errors.Is(err, ErrNoSecretKey) {
		t.Errorf("expected ErrNoSecretKey, got %v", err)
	}
}

func TestComputeID_KnownEvent(t *testing.T) {
	// the id only depends on the canonical serialization, not on field order in JSON
	e := types.Event{PubKey: "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d", CreatedAt: 1, Kind: 1, Content: "hi"}
	a := ComputeID(e)
	e.Tags = types.Tags{}
	if ComputeID(e) != a {
		t.Error("nil and empty tags must hash the same")
	}
	if string(canonical(e)) != `[0,"3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d",1,1,[],"hi"]` {
		t.Errorf("unexpected canonical form %s", canonical(e))
	}
}

// signWithAuthor signs e with kr's key but writes author verbatim into the event.
func signWithAuthor(t *testing.T, kr *Keyring, e *types.Event, author string) {
	t.Helper()
	e.PubKey = author
	e.ID = ComputeID(*e)
	idBytes, _ := hex.DecodeString(e.ID)
	sig, err := schnorr.Sign(kr.privateKey, idBytes)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
}

func TestVerifyEvent_RequiresLowercaseHex(t *testing.T) {
	kr, _ := Generate()

	e := types.Event{CreatedAt: 1700000000, Kind: types.KindCalendarEvent, Tags: types.Tags{{"d", "d1"}}}
	signWithAuthor(t, kr, &e, strings.ToUpper(kr.PubKey()))
	if err := VerifyEvent(e); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("uppercase author: expected ErrInvalidSignature, got %v", err)
	}

	ok := types.Event{CreatedAt: 1700000000, Kind: types.KindCalendarEvent, Tags: types.Tags{{"d", "d1"}}}
	signWithAuthor(t, kr, &ok, kr.PubKey())
	if err := VerifyEvent(ok); err != nil {
		t.Fatalf("lowercase author should verify: %v", err)
	}
	ok.ID = strings.ToUpper(ok.ID)
	if err := VerifyEvent(ok); !errors.Is(err, ErrInvalidID) {
		t.Errorf("uppercase id: expected ErrInvalidID, got %v", err)
	}
}
