package nostr

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Cipher encrypts job payloads between two identities.
type Cipher interface {
	Encrypt(keys *Keys, peerPub, plaintext string) (string, error)
	Decrypt(keys *Keys, peerPub, ciphertext string) (string, error)
}

var errBadPadding = errors.New("nostr: invalid padding")

// NIP04 is AES-256-CBC over the raw ECDH x coordinate, encoded as
// "<base64 ciphertext>?iv=<base64 iv>".
type NIP04 struct{}

var _ Cipher = NIP04{}

func (NIP04) Encrypt(keys *Keys, peerPub, plaintext string) (string, error) {
	key, err := keys.sharedSecret(peerPub)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("reading iv: %w", err)
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return base64.StdEncoding.EncodeToString(ct) + "?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

func (NIP04) Decrypt(keys *Keys, peerPub, ciphertext string) (string, error) {
	body, ivPart, ok := strings.Cut(ciphertext, "?iv=")
	if !ok {
		return "", errors.New("nostr: ciphertext has no iv")
	}
	ct, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(ivPart)
	if err != nil {
		return "", fmt.Errorf("decoding iv: %w", err)
	}
	if len(iv) != aes.BlockSize || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", errors.New("nostr: malformed ciphertext")
	}
	key, err := keys.sharedSecret(peerPub)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)
	pt, err = pkcs7Unpad(pt, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 {
		return nil, errBadPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, errBadPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errBadPadding
		}
	}
	return b[:len(b)-n], nil
}
