package encryption

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fernet/fernet-go"
	"golang.org/x/crypto/pbkdf2"
)

// AlgorithmFernet is the persisted identity of Fernet encryption.
const AlgorithmFernet = "fernet"

// fernetSalt is the fixed PBKDF2 salt for password-derived keys. Two
// processes given the same password must derive the same key, so the
// salt is an application constant rather than a random per-key value.
// Changing it invalidates every dataset encrypted under the old salt.
var fernetSalt = []byte("chunkstream.fernet.v1")

// fernetIterations is the PBKDF2-SHA256 iteration count.
const fernetIterations = 480_000

// ErrInvalidToken is returned when a Fernet token fails verification,
// typically because the password is wrong or the data is corrupt.
var ErrInvalidToken = errors.New("fernet: invalid or unverifiable token")

// Fernet is symmetric authenticated encryption with a password-derived
// key. The same password yields the same key in every process, so a
// dataset written on one machine is readable on another.
type Fernet struct {
	key   *fernet.Key
	level Level
}

// NewFernet derives a Fernet key from password via PBKDF2-SHA256 and
// returns an Encryption operating at the given level.
func NewFernet(password string, level Level) (*Fernet, error) {
	if err := checkLevel(level); err != nil {
		return nil, err
	}
	if password == "" {
		return nil, fmt.Errorf("fernet: password must not be empty")
	}

	derived := pbkdf2.Key([]byte(password), fernetSalt, fernetIterations, 32, sha256.New)

	var key fernet.Key
	copy(key[:], derived)
	return &Fernet{key: &key, level: level}, nil
}

// Algorithm implements Encryption.
func (f *Fernet) Algorithm() string { return AlgorithmFernet }

// Level implements Encryption.
func (f *Fernet) Level() Level { return f.level }

// Encrypt seals data into a Fernet token.
func (f *Fernet) Encrypt(data []byte) ([]byte, error) {
	tok, err := fernet.EncryptAndSign(data, f.key)
	if err != nil {
		return nil, fmt.Errorf("fernet encrypt: %w", err)
	}
	return tok, nil
}

// Decrypt verifies and opens a Fernet token. A wrong password or a
// tampered token yields ErrInvalidToken; the failure is never masked
// as empty data.
func (f *Fernet) Decrypt(data []byte) ([]byte, error) {
	msg := fernet.VerifyAndDecrypt(data, 0, []*fernet.Key{f.key})
	if msg == nil {
		return nil, ErrInvalidToken
	}
	return msg, nil
}
