// Package nostr implements the subset of the Nostr protocol the job engine
// needs: NIP-01 events and filters, BIP-340 signatures and NIP-04 payload
// encryption.
package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

var (
	ErrInvalidID        = errors.New("nostr: event id does not match content")
	ErrInvalidSignature = errors.New("nostr: invalid event signature")
)

// Tag is a single event tag, e.g. ["e", "<id>"].
type Tag []string

func (t Tag) Key() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

type Tags []Tag

// Find returns the first tag with the given key.
func (tags Tags) Find(key string) (Tag, bool) {
	for _, t := range tags {
		if t.Key() == key {
			return t, true
		}
	}
	return nil, false
}

// All returns every tag with the given key, in order.
func (tags Tags) All(key string) Tags {
	var out Tags
	for _, t := range tags {
		if t.Key() == key {
			out = append(out, t)
		}
	}
	return out
}

// Event is a NIP-01 event.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// Now returns the current time as a Nostr timestamp.
func Now() int64 { return time.Now().Unix() }

// Serialize returns the canonical NIP-01 serialization the event id is
// computed over: [0,pubkey,created_at,kind,tags,content].
func (e *Event) Serialize() []byte {
	var b strings.Builder
	b.WriteString(`[0,"`)
	b.WriteString(e.PubKey)
	b.WriteString(`",`)
	b.WriteString(strconv.FormatInt(e.CreatedAt, 10))
	b.WriteString(",")
	b.WriteString(strconv.Itoa(e.Kind))
	b.WriteString(",[")
	for i, t := range e.Tags {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('[')
		for j, v := range t {
			if j > 0 {
				b.WriteByte(',')
			}
			writeQuoted(&b, v)
		}
		b.WriteByte(']')
	}
	b.WriteString("],")
	writeQuoted(&b, e.Content)
	b.WriteByte(']')
	return []byte(b.String())
}

// ComputeID returns the hex sha256 of the canonical serialization.
func (e *Event) ComputeID() string {
	sum := sha256.Sum256(e.Serialize())
	return hex.EncodeToString(sum[:])
}

// Verify checks the id and the BIP-340 signature.
func (e *Event) Verify() error {
	if e.ComputeID() != e.ID {
		return ErrInvalidID
	}
	pk, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("%w: pubkey: %v", ErrInvalidSignature, err)
	}
	pub, err := schnorr.ParsePubKey(pk)
	if err != nil {
		return fmt.Errorf("%w: pubkey: %v", ErrInvalidSignature, err)
	}
	raw, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	sig, err := schnorr.ParseSignature(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	id, _ := hex.DecodeString(e.ID)
	if !sig.Verify(id, pub) {
		return ErrInvalidSignature
	}
	return nil
}

// writeQuoted escapes s following NIP-01: only the listed characters are
// escaped, everything else is written as raw UTF-8.
func writeQuoted(b *strings.Builder, s string) {
	const hexDigits = "0123456789abcdef"
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			if c < 0x20 {
				b.WriteString(`\u00`)
				b.WriteByte(hexDigits[c>>4])
				b.WriteByte(hexDigits[c&0xf])
				continue
			}
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
}
