// Package crypto provides export archive encryption using AES-256-GCM.
// The password is never stored with the archive; it must be supplied again to
// read it back.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	apperrors "github.com/diabetactic/glucosync/internal/errors"
)

var (
	// ErrInvalidPassword is returned when the provided password is incorrect.
	ErrInvalidPassword = apperrors.New(apperrors.ErrInvalidPassword, "invalid password")
	// ErrInvalidArchive is returned when the archive format is invalid.
	ErrInvalidArchive = apperrors.New(apperrors.ErrCorruptedArchive, "invalid archive format")
)

const (
	// PasswordMinLength is the minimum required password length.
	PasswordMinLength = 8
	// SaltLength is the length of the random salt for key derivation.
	SaltLength = 32
	// KeyIterations is the PBKDF2-SHA256 iteration count.
	KeyIterations = 100_000

	algorithm   = "AES-256-GCM"
	headerMagic = "GSYNARC"
)

// ArchiveHeader is the cleartext prefix of an encrypted archive. It holds
// only what is needed to derive the key again.
type ArchiveHeader struct {
	Version   uint8
	Algorithm string
	Nonce     []byte
	Salt      []byte
}

// IsEncrypted reports whether data starts with the encrypted archive magic.
func IsEncrypted(data []byte) bool {
	return bytes.HasPrefix(data, []byte(headerMagic))
}

// EncryptArchive encrypts archive data with a key derived from password.
// The result is the serialized header followed by the sealed payload.
func EncryptArchive(data []byte, password string) ([]byte, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	headerData, err := serializeHeader(ArchiveHeader{
		Version:   1,
		Algorithm: algorithm,
		Nonce:     nonce,
		Salt:      salt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize header: %w", err)
	}

	return gcm.Seal(headerData, nonce, data, nil), nil
}

// DecryptArchive decrypts data produced by EncryptArchive. A wrong password
// and a tampered payload both fail authentication and return
// ErrInvalidPassword.
func DecryptArchive(encryptedData []byte, password string) ([]byte, error) {
	header, remaining, err := parseHeader(encryptedData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	if header.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidArchive, header.Version)
	}
	if header.Algorithm != algorithm {
		return nil, fmt.Errorf("%w: unsupported algorithm %s", ErrInvalidArchive, header.Algorithm)
	}

	gcm, err := newGCM(password, header.Salt)
	if err != nil {
		return nil, err
	}
	if len(header.Nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrInvalidArchive, len(header.Nonce))
	}

	plaintext, err := gcm.Open(nil, header.Nonce, remaining, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPassword, err)
	}
	return plaintext, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key, err := pbkdf2.Key(sha256.New, password, salt, KeyIterations, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// =====================================================
// Header Serialization
// =====================================================

// serializeHeader writes magic, version, then length-prefixed algorithm,
// nonce and salt.
func serializeHeader(h ArchiveHeader) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(headerMagic)
	buf.WriteByte(h.Version)

	for _, field := range [][]byte{[]byte(h.Algorithm), h.Nonce, h.Salt} {
		if len(field) > 255 {
			return nil, errors.New("header field too long")
		}
		buf.WriteByte(byte(len(field)))
		buf.Write(field)
	}
	return buf.Bytes(), nil
}

// parseHeader reads the header and returns it with the remaining payload.
func parseHeader(data []byte) (ArchiveHeader, []byte, error) {
	var header ArchiveHeader
	r := bytes.NewReader(data)

	magic := make([]byte, len(headerMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return header, nil, fmt.Errorf("failed to read magic: %w", err)
	}
	if string(magic) != headerMagic {
		return header, nil, fmt.Errorf("invalid magic number: %q", magic)
	}

	version, err := r.ReadByte()
	if err != nil {
		return header, nil, fmt.Errorf("failed to read version: %w", err)
	}
	header.Version = version

	readField := func(name string) ([]byte, error) {
		n, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s length: %w", name, err)
		}
		field := make([]byte, n)
		if _, err := io.ReadFull(r, field); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		return field, nil
	}

	alg, err := readField("algorithm")
	if err != nil {
		return header, nil, err
	}
	header.Algorithm = string(alg)
	if header.Nonce, err = readField("nonce"); err != nil {
		return header, nil, err
	}
	if header.Salt, err = readField("salt"); err != nil {
		return header, nil, err
	}

	return header, data[len(data)-r.Len():], nil
}

// ValidatePassword checks if a password meets minimum requirements.
func ValidatePassword(password string) error {
	if len(password) < PasswordMinLength {
		return apperrors.Newf(apperrors.ErrInvalidPassword, "password must be at least %d characters", PasswordMinLength)
	}
	return nil
}

// GeneratePassword generates a random password for export archives.
func GeneratePassword(length int) (string, error) {
	if length < PasswordMinLength {
		length = PasswordMinLength
	}

	randomBytes := make([]byte, length)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	password := base64.URLEncoding.EncodeToString(randomBytes)
	return password[:length], nil
}
