package nostr

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Keys is a secp256k1 identity. Jobs normally get a fresh one each.
type Keys struct {
	sk  *btcec.PrivateKey
	pub string
}

// GenerateKeys creates a new random identity.
func GenerateKeys() (*Keys, error) {
	sk, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return newKeys(sk), nil
}

// KeysFromHex loads an identity from a 32-byte hex secret key.
func KeysFromHex(secret string) (*Keys, error) {
	raw, err := hex.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("decoding secret key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("secret key must be 32 bytes, got %d", len(raw))
	}
	sk, _ := btcec.PrivKeyFromBytes(raw)
	return newKeys(sk), nil
}

func newKeys(sk *btcec.PrivateKey) *Keys {
	return &Keys{sk: sk, pub: hex.EncodeToString(schnorr.SerializePubKey(sk.PubKey()))}
}

// PublicKey returns the x-only public key as hex.
func (k *Keys) PublicKey() string { return k.pub }

// SecretHex returns the secret key as hex.
func (k *Keys) SecretHex() string { return hex.EncodeToString(k.sk.Serialize()) }

// Sign sets PubKey, ID and Sig on ev. The event must not be modified
// afterwards.
func (k *Keys) Sign(ev *Event) error {
	if ev.Tags == nil {
		ev.Tags = Tags{}
	}
	ev.PubKey = k.pub
	ev.ID = ev.ComputeID()
	id, _ := hex.DecodeString(ev.ID)
	sig, err := schnorr.Sign(k.sk, id)
	if err != nil {
		return fmt.Errorf("signing event: %w", err)
	}
	ev.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// sharedSecret returns the ECDH x coordinate with the given x-only peer key.
func (k *Keys) sharedSecret(peerPub string) ([]byte, error) {
	raw, err := hex.DecodeString(peerPub)
	if err != nil {
		return nil, fmt.Errorf("decoding peer key: %w", err)
	}
	pub, err := schnorr.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing peer key: %w", err)
	}
	return btcec.GenerateSharedSecret(k.sk, pub), nil
}
