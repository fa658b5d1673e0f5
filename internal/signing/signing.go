// Package signing implements the gateway's v3 wire cryptography: canonical
// request strings, RSA-SHA256 signatures and AES-256-GCM resource
// decryption.
package signing

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidPEM     = errors.New("signing: no PEM block found")
	ErrNotRSAKey      = errors.New("signing: key is not RSA")
	ErrInvalidKeySize = errors.New("signing: AEAD key must be 32 bytes")
	ErrDecrypt        = errors.New("signing: authenticated decryption failed")
)

// BuildCanonicalString joins the request fields the way the gateway expects
// them signed: one field per line, trailing newline included.
func BuildCanonicalString(method, urlPath, timestamp, nonce, body string) string {
	return method + "\n" + urlPath + "\n" + timestamp + "\n" + nonce + "\n" + body + "\n"
}

// BuildVerifyString is the message the gateway signs on callbacks and
// responses.
func BuildVerifyString(timestamp, nonce, body string) string {
	return timestamp + "\n" + nonce + "\n" + body + "\n"
}

// NormalizePEM turns literal "\n" sequences (common when keys are kept in
// env vars) into real newlines and trims surrounding whitespace and quotes.
func NormalizePEM(pemText string) string {
	s := strings.TrimSpace(pemText)
	s = strings.Trim(s, `"'`)
	s = strings.ReplaceAll(s, `\r\n`, "\n")
	s = strings.ReplaceAll(s, `\n`, "\n")
	return strings.TrimSpace(s)
}

// ParsePrivateKey accepts PKCS#8 and PKCS#1 encoded RSA private keys.
func ParsePrivateKey(pemText string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(NormalizePEM(pemText)))
	if block == nil {
		return nil, ErrInvalidPEM
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, ErrNotRSAKey
		}
		return rsaKey, nil
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

// ParsePublicKey accepts a PKIX public key, a PKCS#1 public key or an X.509
// certificate (platform certificates are distributed that way).
func ParsePublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(NormalizePEM(pemText)))
	if block == nil {
		return nil, ErrInvalidPEM
	}

	var pub interface{}
	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		pub = cert.PublicKey
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		pub = key
	default:
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		pub = key
	}

	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, ErrNotRSAKey
	}
	return rsaKey, nil
}

// Sign returns the base64 RSA PKCS#1 v1.5 signature of message's SHA-256.
func Sign(message string, key *rsa.PrivateKey) (string, error) {
	if key == nil {
		return "", errors.New("signing: nil private key")
	}
	digest := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// SignPEM parses pemText and signs message with it.
func SignPEM(message, pemText string) (string, error) {
	key, err := ParsePrivateKey(pemText)
	if err != nil {
		return "", err
	}
	return Sign(message, key)
}

// Verify checks a gateway signature over timestamp, nonce and body. It
// returns false for any malformed input.
func Verify(body, signature, timestamp, nonce string, key *rsa.PublicKey) bool {
	if key == nil || signature == "" || timestamp == "" || nonce == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256([]byte(BuildVerifyString(timestamp, nonce, body)))
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig) == nil
}

// DecryptAEAD opens an AES-256-GCM sealed resource. ciphertext is base64 of
// the sealed bytes with the 16-byte tag appended.
func DecryptAEAD(ciphertext, associatedData, nonce string, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrDecrypt, gcm.NonceSize())
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	plaintext, err := gcm.Open(nil, []byte(nonce), data, []byte(associatedData))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

// EncryptAEAD is the inverse of DecryptAEAD.
func EncryptAEAD(plaintext []byte, associatedData, nonce string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("signing: nonce must be %d bytes", gcm.NonceSize())
	}
	sealed := gcm.Seal(nil, []byte(nonce), plaintext, []byte(associatedData))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
