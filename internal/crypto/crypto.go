// Package crypto implements the key-custody primitives: bearer-token
// generation and hashing, per-account key-encryption-keys, the AES-GCM
// envelope around stored private keys, and Ed25519 keypair handling.
//
// Nothing here touches storage; callers persist what these functions return.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/ssh"
)

// Errors
var (
	// ErrCryptoFailure covers KEK derivation and envelope decryption failures.
	// The cause is never surfaced to API callers.
	ErrCryptoFailure = errors.New("crypto: operation failed")
)

const (
	// kekInfo is the fixed HKDF info label; the account id is appended.
	kekInfo = "clawfather/kek/v1:"

	kekSize     = 32
	tokenBytes  = 32
	gcmTagSize  = 16
	gcmNonceLen = 12
)

// GenerateToken produces a fresh bearer token.
// The plaintext (64 lowercase hex chars) is returned exactly once;
// only the hash is ever stored.
func GenerateToken() (plaintext, hash string) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	plaintext = hex.EncodeToString(b)
	return plaintext, HashToken(plaintext)
}

// HashToken returns the stored form of a bearer token: hex(SHA-256(plaintext)).
func HashToken(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// DeriveKEK derives the per-account key-encryption-key from the process-wide
// master secret. Deterministic: same (master, accountID) always yields the
// same 32-byte key.
func DeriveKEK(masterKey []byte, accountID string) ([]byte, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("%w: master key must be 32 bytes, got %d", ErrCryptoFailure, len(masterKey))
	}
	r := hkdf.New(sha256.New, masterKey, nil, []byte(kekInfo+accountID))
	key := make([]byte, kekSize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("%w: hkdf: %v", ErrCryptoFailure, err)
	}
	return key, nil
}

// EncryptPrivateKey seals private-key material under the account KEK.
// Bundle layout is nonce ‖ tag ‖ ciphertext, base64-encoded.
func EncryptPrivateKey(kek, plaintext []byte) (string, error) {
	aead, err := newGCM(kek)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcmNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: read nonce: %v", ErrCryptoFailure, err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	// Seal appends the tag; the bundle stores it between nonce and ciphertext.
	ct, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]

	buf := make([]byte, 0, gcmNonceLen+gcmTagSize+len(ct))
	buf = append(buf, nonce...)
	buf = append(buf, tag...)
	buf = append(buf, ct...)
	return base64.StdEncoding.EncodeToString(buf), nil
}

// DecryptPrivateKey opens a bundle produced by EncryptPrivateKey.
// Any tampering or wrong-KEK use returns ErrCryptoFailure.
func DecryptPrivateKey(kek []byte, bundle string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(bundle))
	if err != nil {
		return nil, fmt.Errorf("%w: decode bundle: %v", ErrCryptoFailure, err)
	}
	if len(raw) < gcmNonceLen+gcmTagSize {
		return nil, fmt.Errorf("%w: bundle too short", ErrCryptoFailure)
	}

	aead, err := newGCM(kek)
	if err != nil {
		return nil, err
	}

	nonce := raw[:gcmNonceLen]
	tag := raw[gcmNonceLen : gcmNonceLen+gcmTagSize]
	ct := raw[gcmNonceLen+gcmTagSize:]

	sealed := make([]byte, 0, len(ct)+gcmTagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt", ErrCryptoFailure)
	}
	return plaintext, nil
}

func newGCM(kek []byte) (cipher.AEAD, error) {
	if len(kek) != kekSize {
		return nil, fmt.Errorf("%w: kek must be %d bytes", ErrCryptoFailure, kekSize)
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("%w: new cipher: %v", ErrCryptoFailure, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: new gcm: %v", ErrCryptoFailure, err)
	}
	return aead, nil
}

// Keypair is a freshly generated Ed25519 keypair in wire-ready forms.
type Keypair struct {
	PublicKey   string // OpenSSH one-line form ("ssh-ed25519 AAAA... clawfather")
	PrivatePEM  []byte // OpenSSH PEM block, what ssh(1) expects on disk
	Fingerprint string // "SHA256:..." of the public key blob
}

// GenerateKeypair creates a server-side Ed25519 keypair.
func GenerateKeypair(comment string) (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generate ed25519: %v", ErrCryptoFailure, err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: wrap public key: %v", ErrCryptoFailure, err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal private key: %v", ErrCryptoFailure, err)
	}

	pubLine := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	if comment != "" {
		pubLine += " " + comment
	}

	return &Keypair{
		PublicKey:   pubLine,
		PrivatePEM:  pem.EncodeToMemory(pemBlock),
		Fingerprint: ssh.FingerprintSHA256(sshPub),
	}, nil
}

// Fingerprint computes the canonical SHA256: fingerprint of an OpenSSH
// one-line public key.
func Fingerprint(publicKeyLine string) (string, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKeyLine))
	if err != nil {
		return "", fmt.Errorf("%w: parse public key: %v", ErrCryptoFailure, err)
	}
	return ssh.FingerprintSHA256(pub), nil
}
