// Package encryption defines the pluggable codec applied to dataset
// bytes. An Encryption carries an algorithm identity and an operating
// level: sample level encrypts every serialized item independently,
// chunk level encrypts the assembled chunk blob once. Both are
// recorded in the dataset index so a reader fails fast on a mismatch
// instead of feeding garbage to the cryptographic primitive.
package encryption

import "fmt"

// Level is the granularity encryption operates at.
type Level string

const (
	// LevelSample encrypts each serialized item independently.
	// Random access decrypts only the requested item, at the cost of
	// per-item overhead.
	LevelSample Level = "sample"

	// LevelChunk encrypts the assembled chunk blob as one unit.
	// Cheaper per item, but reading any item decrypts the whole
	// chunk.
	LevelChunk Level = "chunk"
)

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	return l == LevelSample || l == LevelChunk
}

// Encryption encrypts and decrypts byte blocks and reports its
// identity for mismatch detection. Implementations must be safe for
// concurrent use.
type Encryption interface {
	// Algorithm is the identifier recorded in the dataset index,
	// e.g. "fernet" or "rsa".
	Algorithm() string

	// Level reports the operating level.
	Level() Level

	Encrypt(data []byte) ([]byte, error)
	Decrypt(data []byte) ([]byte, error)
}

// Descriptor is the encryption identity persisted in the dataset
// index. A nil *Descriptor means the dataset is not encrypted.
type Descriptor struct {
	Algorithm string `json:"algorithm"`
	Level     Level  `json:"level"`
}

// Describe returns the persisted descriptor for e, or nil.
func Describe(e Encryption) *Descriptor {
	if e == nil {
		return nil
	}
	return &Descriptor{Algorithm: e.Algorithm(), Level: e.Level()}
}

func checkLevel(level Level) error {
	if !level.Valid() {
		return fmt.Errorf("invalid encryption level %q (want %q or %q)",
			level, LevelSample, LevelChunk)
	}
	return nil
}
