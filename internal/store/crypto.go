package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters, persisted in the meta table so they can be raised
// for new stores without breaking old ones.
const (
	kdfN = 1 << 15
	kdfR = 8
	kdfP = 1
)

const saltLen = 16

// canaryPlaintext is encrypted at init and checked on every open, so a
// wrong passphrase fails fast instead of producing garbage reads.
const canaryPlaintext = "veil-canary-v1"

// boxCipher encrypts individual fields with a deterministic
// authenticated scheme: AES-GCM with a nonce derived from the plaintext
// by HMAC-SHA256 under a separate key (SIV construction). Equal
// plaintexts yield equal ciphertexts, which is what makes encrypted
// lookup by literal possible without decrypting the table.
type boxCipher struct {
	aead   cipher.AEAD
	macKey []byte
}

type kdfParams struct {
	N int
	R int
	P int
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

func newBoxCipher(passphrase string, salt []byte, p kdfParams) (*boxCipher, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase is empty")
	}
	keys, err := scrypt.Key([]byte(passphrase), salt, p.N, p.R, p.P, 64)
	if err != nil {
		return nil, fmt.Errorf("derive keys: %w", err)
	}

	block, err := aes.NewCipher(keys[:32])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &boxCipher{aead: aead, macKey: keys[32:]}, nil
}

// seal encrypts plaintext deterministically. Output layout: nonce || ct.
func (c *boxCipher) seal(plaintext []byte) []byte {
	mac := hmac.New(sha256.New, c.macKey)
	mac.Write(plaintext)
	nonce := mac.Sum(nil)[:c.aead.NonceSize()]

	out := make([]byte, 0, len(nonce)+len(plaintext)+c.aead.Overhead())
	out = append(out, nonce...)
	return c.aead.Seal(out, nonce, plaintext, nil)
}

func (c *boxCipher) open(box []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(box) < ns {
		return nil, fmt.Errorf("ciphertext too short")
	}
	return c.aead.Open(nil, box[:ns], box[ns:], nil)
}

func (c *boxCipher) sealString(s string) []byte {
	return c.seal([]byte(s))
}

func (c *boxCipher) openString(box []byte) (string, error) {
	pt, err := c.open(box)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
