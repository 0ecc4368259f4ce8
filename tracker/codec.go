package tracker

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the required length of the tracking key in bytes.
const KeySize = 32

const (
	ivSize  = aes.BlockSize
	tagSize = sha256.Size
)

var (
	ErrKeyLength    = errors.New("tracking key must be 32 bytes")
	ErrInvalidToken = errors.New("invalid tracking token")
)

// DecodeError describes why a token could not be decoded. It always
// matches ErrInvalidToken with errors.Is.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode token: %s: %v", e.Reason, e.Err)
	}
	return "decode token: " + e.Reason
}

func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidToken, e.Err}
	}
	return []error{ErrInvalidToken}
}

// Payload is the structure sealed inside a tracking token.
type Payload struct {
	AttemptID string `json:"attemptId"`
	IssuedAt  int64  `json:"issuedAt"`
	Nonce     string `json:"nonce"`
}

// NewPayload builds a payload for attemptID with a fresh random nonce.
func NewPayload(attemptID string, issuedAt time.Time) (Payload, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Payload{}, fmt.Errorf("generate nonce: %w", err)
	}
	return Payload{
		AttemptID: attemptID,
		IssuedAt:  issuedAt.UnixMilli(),
		Nonce:     hex.EncodeToString(nonce),
	}, nil
}

// ParseKey converts the configured 64-hex-character key into raw bytes.
func ParseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("tracking key is not hex: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w, got %d", ErrKeyLength, len(key))
	}
	return key, nil
}

// Codec turns payloads into opaque URL-safe tokens and back.
//
// Tokens are base64url(IV || AES-256-CBC ciphertext || HMAC-SHA256 tag).
// The encryption and MAC keys are derived from the configured key with
// HKDF so a single 32-byte secret serves both.
type Codec struct {
	block  cipher.Block
	macKey []byte
}

func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w, got %d", ErrKeyLength, len(key))
	}
	encKey, err := deriveKey(key, "phishing-simulator token encryption")
	if err != nil {
		return nil, err
	}
	macKey, err := deriveKey(key, "phishing-simulator token mac")
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return &Codec{block: block, macKey: macKey}, nil
}

func deriveKey(master []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, master, nil, []byte(info))
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("derive %q key: %w", info, err)
	}
	return derived, nil
}

func (c *Codec) Encode(p Payload) (string, error) {
	plaintext, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	plaintext = pad(plaintext)

	out := make([]byte, ivSize+len(plaintext), ivSize+len(plaintext)+tagSize)
	iv := out[:ivSize]
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out[ivSize:], plaintext)
	out = append(out, c.tag(out)...)

	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Decode reverses Encode. Every failure is returned as a *DecodeError.
func (c *Codec) Decode(token string) (Payload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Payload{}, &DecodeError{Reason: "malformed encoding", Err: err}
	}
	if len(raw) < ivSize+aes.BlockSize+tagSize || (len(raw)-ivSize-tagSize)%aes.BlockSize != 0 {
		return Payload{}, &DecodeError{Reason: "invalid length"}
	}

	body, tag := raw[:len(raw)-tagSize], raw[len(raw)-tagSize:]
	if !hmac.Equal(tag, c.tag(body)) {
		return Payload{}, &DecodeError{Reason: "authentication failed"}
	}

	iv, ciphertext := body[:ivSize], body[ivSize:]
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plaintext, ciphertext)

	plaintext, err = unpad(plaintext)
	if err != nil {
		return Payload{}, &DecodeError{Reason: "bad padding", Err: err}
	}

	var p Payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return Payload{}, &DecodeError{Reason: "malformed payload", Err: err}
	}
	if p.AttemptID == "" {
		return Payload{}, &DecodeError{Reason: "missing attempt id"}
	}
	return p, nil
}

func (c *Codec) tag(data []byte) []byte {
	mac := hmac.New(sha256.New, c.macKey)
	mac.Write(data)
	return mac.Sum(nil)
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 || len(b)%aes.BlockSize != 0 {
		return nil, errors.New("block misaligned")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize {
		return nil, errors.New("pad byte out of range")
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, errors.New("inconsistent pad bytes")
		}
	}
	return b[:len(b)-n], nil
}

// Issue builds a fresh payload for attemptID and encodes it.
func (c *Codec) Issue(attemptID string, now time.Time) (string, error) {
	p, err := NewPayload(attemptID, now)
	if err != nil {
		return "", err
	}
	return c.Encode(p)
}
