package encryption

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
)

// AlgorithmRSA is the persisted identity of RSA hybrid encryption.
const AlgorithmRSA = "rsa"

const rsaKeyBits = 2048

// RSA is hybrid asymmetric encryption: each block is sealed with a
// fresh XChaCha20-Poly1305 content key, and the content key is wrapped
// with RSA-OAEP-SHA256. Direct RSA on the payload would cap block
// size at the modulus; the hybrid scheme handles chunk-sized blobs.
//
// Block layout:
//
//	wrappedLen uint16 | wrapped content key | 24-byte nonce | sealed payload
type RSA struct {
	priv  *rsa.PrivateKey
	pub   *rsa.PublicKey
	level Level
}

// NewRSA generates a fresh 2048-bit keypair operating at level. Use
// SaveKeys/LoadRSA to share the keypair with reader processes.
func NewRSA(level Level) (*RSA, error) {
	if err := checkLevel(level); err != nil {
		return nil, err
	}
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("rsa keygen: %w", err)
	}
	return &RSA{priv: priv, pub: &priv.PublicKey, level: level}, nil
}

// LoadRSA loads a keypair previously written by SaveKeys. privPath may
// be empty for an encrypt-only instance.
func LoadRSA(privPath, pubPath string, level Level) (*RSA, error) {
	if err := checkLevel(level); err != nil {
		return nil, err
	}

	r := &RSA{level: level}

	if privPath != "" {
		block, err := readPEM(privPath, "PRIVATE KEY")
		if err != nil {
			return nil, err
		}
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key %s: %w", privPath, err)
		}
		priv, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%s does not contain an RSA private key", privPath)
		}
		r.priv = priv
		r.pub = &priv.PublicKey
	}

	if r.pub == nil {
		block, err := readPEM(pubPath, "PUBLIC KEY")
		if err != nil {
			return nil, err
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key %s: %w", pubPath, err)
		}
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%s does not contain an RSA public key", pubPath)
		}
		r.pub = pub
	}

	return r, nil
}

// SaveKeys writes the keypair as PKCS#8 / PKIX PEM files.
func (r *RSA) SaveKeys(privPath, pubPath string) error {
	if r.priv == nil {
		return fmt.Errorf("no private key to save")
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(r.priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(r.pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// Algorithm implements Encryption.
func (r *RSA) Algorithm() string { return AlgorithmRSA }

// Level implements Encryption.
func (r *RSA) Level() Level { return r.level }

// Encrypt seals data under a fresh content key and wraps the key with
// RSA-OAEP.
func (r *RSA) Encrypt(data []byte) ([]byte, error) {
	if r.pub == nil {
		return nil, fmt.Errorf("rsa encrypt: no public key")
	}

	contentKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(contentKey); err != nil {
		return nil, fmt.Errorf("rsa encrypt: %w", err)
	}

	aead, err := chacha20poly1305.NewX(contentKey)
	if err != nil {
		return nil, fmt.Errorf("rsa encrypt: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("rsa encrypt: %w", err)
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, r.pub, contentKey, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa encrypt: %w", err)
	}

	out := make([]byte, 0, 2+len(wrapped)+len(nonce)+len(data)+aead.Overhead())
	out = binary.LittleEndian.AppendUint16(out, uint16(len(wrapped)))
	out = append(out, wrapped...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, data, nil)
	return out, nil
}

// Decrypt unwraps the content key with the private key and opens the
// sealed payload. A wrong private key fails inside RSA-OAEP and the
// error is propagated unmasked.
func (r *RSA) Decrypt(data []byte) ([]byte, error) {
	if r.priv == nil {
		return nil, fmt.Errorf("rsa decrypt: no private key")
	}
	if len(data) < 2 {
		return nil, fmt.Errorf("rsa decrypt: truncated block")
	}

	wrappedLen := int(binary.LittleEndian.Uint16(data))
	rest := data[2:]
	if len(rest) < wrappedLen+chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("rsa decrypt: truncated block")
	}

	wrapped := rest[:wrappedLen]
	nonce := rest[wrappedLen : wrappedLen+chacha20poly1305.NonceSizeX]
	sealed := rest[wrappedLen+chacha20poly1305.NonceSizeX:]

	contentKey, err := rsa.DecryptOAEP(sha256.New(), nil, r.priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa unwrap content key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(contentKey)
	if err != nil {
		return nil, fmt.Errorf("rsa decrypt: %w", err)
	}

	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa decrypt: %w", err)
	}
	return plain, nil
}

func readPEM(path, wantType string) (*pem.Block, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != wantType {
		return nil, fmt.Errorf("%s is not a %s PEM file", path, wantType)
	}
	return block, nil
}
