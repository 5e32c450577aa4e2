package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltSize is the size of the salt for key derivation
	SaltSize = 32
	// KeySize is the size of the AES key (256 bits)
	KeySize = 32
	// NonceSize is the size of the GCM nonce
	NonceSize = 12
	// Iterations for PBKDF2
	Iterations = 100000
)

// magic identifies an encrypted stackback archive.
const magic = "SBAK-ENC"

// EncryptionHeader contains encryption metadata
type EncryptionHeader struct {
	Salt  []byte
	Nonce []byte
}

// DeriveKey derives an encryption key from a password using PBKDF2
func DeriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, Iterations, KeySize, sha256.New)
}

// GenerateSalt generates a random salt
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// GenerateNonce generates a random nonce for GCM
func GenerateNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// EncryptReader wraps a reader with AES-256-GCM encryption
type EncryptReader struct {
	reader    io.Reader
	cipher    cipher.AEAD
	baseNonce []byte
	counter   uint64
	buffer    []byte
	encrypted []byte
	eof       bool
}

// NewEncryptReader creates a new encrypting reader
func NewEncryptReader(r io.Reader, password string) (*EncryptReader, *EncryptionHeader, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return nil, nil, err
	}

	key := DeriveKey(password, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, nil, err
	}

	header := &EncryptionHeader{
		Salt:  salt,
		Nonce: nonce,
	}

	return &EncryptReader{
		reader:    r,
		cipher:    gcm,
		baseNonce: nonce,
		counter:   0,
		buffer:    make([]byte, 64*1024), // 64KB chunks
	}, header, nil
}

// Read implements io.Reader with encryption
func (er *EncryptReader) Read(p []byte) (int, error) {
	if er.eof && len(er.encrypted) == 0 {
		return 0, io.EOF
	}

	// If we have encrypted data, return it
	if len(er.encrypted) > 0 {
		n := copy(p, er.encrypted)
		er.encrypted = er.encrypted[n:]
		return n, nil
	}

	// Read more data
	n, err := er.reader.Read(er.buffer)
	if err != nil && err != io.EOF {
		return 0, err
	}

	if n > 0 {
		chunkNonce := chunkNonce(er.baseNonce, er.counter)
		er.encrypted = er.cipher.Seal(nil, chunkNonce, er.buffer[:n], nil)
		er.counter++

		copied := copy(p, er.encrypted)
		er.encrypted = er.encrypted[copied:]
		return copied, nil
	}

	if err == io.EOF {
		er.eof = true
		if len(er.encrypted) > 0 {
			n := copy(p, er.encrypted)
			er.encrypted = er.encrypted[n:]
			return n, nil
		}
		return 0, io.EOF
	}

	return 0, nil
}

// DecryptReader wraps a reader with AES-256-GCM decryption
type DecryptReader struct {
	reader    io.Reader
	cipher    cipher.AEAD
	baseNonce []byte
	counter   uint64
	buffer    []byte
	decrypted []byte
	eof       bool
}

// NewDecryptReader creates a new decrypting reader
func NewDecryptReader(r io.Reader, password string, header *EncryptionHeader) (*DecryptReader, error) {
	key := DeriveKey(password, header.Salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	// Copy nonce to avoid modifying the header
	baseNonce := make([]byte, len(header.Nonce))
	copy(baseNonce, header.Nonce)

	return &DecryptReader{
		reader:    r,
		cipher:    gcm,
		baseNonce: baseNonce,
		counter:   0,
		buffer:    make([]byte, 64*1024+gcm.Overhead()), // 64KB + overhead
	}, nil
}

// Read implements io.Reader with decryption
func (dr *DecryptReader) Read(p []byte) (int, error) {
	if dr.eof && len(dr.decrypted) == 0 {
		return 0, io.EOF
	}

	// If we have decrypted data, return it
	if len(dr.decrypted) > 0 {
		n := copy(p, dr.decrypted)
		dr.decrypted = dr.decrypted[n:]
		return n, nil
	}

	// Read one encrypted chunk. The writer emits whole chunks, so a
	// full read of the buffer corresponds to one Seal call.
	n, err := io.ReadFull(dr.reader, dr.buffer)
	if err == io.ErrUnexpectedEOF {
		err = nil // short final chunk
	} else if err == io.EOF {
		dr.eof = true
		return 0, io.EOF
	} else if err != nil {
		return 0, err
	}

	if n > 0 {
		decrypted, err := dr.cipher.Open(nil, chunkNonce(dr.baseNonce, dr.counter), dr.buffer[:n], nil)
		if err != nil {
			return 0, fmt.Errorf("decryption failed: %w", err)
		}
		dr.decrypted = decrypted
		dr.counter++

		copied := copy(p, dr.decrypted)
		dr.decrypted = dr.decrypted[copied:]
		return copied, nil
	}

	return 0, nil
}

// chunkNonce derives a per-chunk nonce by folding the counter into the
// base nonce, keeping every Seal call unique under one key.
func chunkNonce(base []byte, counter uint64) []byte {
	nonce := make([]byte, len(base))
	copy(nonce, base)
	for i := 0; i < 8 && i < len(nonce); i++ {
		nonce[len(nonce)-1-i] ^= byte(counter >> (8 * i))
	}
	return nonce
}

// WriteEncryptionHeader writes the encryption header to a writer
func WriteEncryptionHeader(w io.Writer, header *EncryptionHeader) error {
	if _, err := w.Write([]byte(magic)); err != nil {
		return fmt.Errorf("failed to write magic bytes: %w", err)
	}

	// Version byte
	if _, err := w.Write([]byte{1}); err != nil {
		return fmt.Errorf("failed to write version: %w", err)
	}

	if _, err := w.Write(header.Salt); err != nil {
		return fmt.Errorf("failed to write salt: %w", err)
	}

	if _, err := w.Write(header.Nonce); err != nil {
		return fmt.Errorf("failed to write nonce: %w", err)
	}

	return nil
}

// ReadEncryptionHeader reads the encryption header from a reader
func ReadEncryptionHeader(r io.Reader) (*EncryptionHeader, error) {
	got := make([]byte, len(magic))
	if _, err := io.ReadFull(r, got); err != nil {
		return nil, fmt.Errorf("failed to read magic bytes: %w", err)
	}

	if string(got) != magic {
		return nil, fmt.Errorf("not an encrypted stackback archive")
	}

	version := make([]byte, 1)
	if _, err := io.ReadFull(r, version); err != nil {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}

	if version[0] != 1 {
		return nil, fmt.Errorf("unsupported encryption version: %d", version[0])
	}

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(r, salt); err != nil {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(r, nonce); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}

	return &EncryptionHeader{
		Salt:  salt,
		Nonce: nonce,
	}, nil
}

// IsEncrypted checks if data starts with encryption header
func IsEncrypted(data []byte) bool {
	return len(data) >= len(magic) && string(data[:len(magic)]) == magic
}

// IsEncryptedFile reports whether the file at path carries the
// encryption header.
func IsEncryptedFile(path string) bool {
	f, err := os.Open(path) // #nosec G304 - controlled archive path
	if err != nil {
		return false
	}
	defer func() {
		if err := f.Close(); err != nil {
			fmt.Printf("Warning: failed to close file: %v\n", err)
		}
	}()
	head := make([]byte, len(magic))
	if _, err := io.ReadFull(f, head); err != nil {
		return false
	}
	return IsEncrypted(head)
}

// EncryptFile encrypts src into dst with the given password.
func EncryptFile(src, dst, password string) error {
	in, err := os.Open(src) // #nosec G304 - controlled capture workspace path
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer func() {
		if err := in.Close(); err != nil {
			fmt.Printf("Warning: failed to close input file: %v\n", err)
		}
	}()

	out, err := os.Create(dst) // #nosec G304 - controlled backup root path
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer func() {
		if err := out.Close(); err != nil {
			fmt.Printf("Warning: failed to close output file: %v\n", err)
		}
	}()

	encReader, header, err := NewEncryptReader(in, password)
	if err != nil {
		return err
	}
	if err := WriteEncryptionHeader(out, header); err != nil {
		return err
	}
	if _, err := io.Copy(out, encReader); err != nil {
		return fmt.Errorf("failed to encrypt %s: %w", src, err)
	}
	return nil
}

// DecryptFile decrypts src into dst with the given password.
func DecryptFile(src, dst, password string) error {
	in, err := os.Open(src) // #nosec G304 - controlled archive path
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer func() {
		if err := in.Close(); err != nil {
			fmt.Printf("Warning: failed to close input file: %v\n", err)
		}
	}()

	header, err := ReadEncryptionHeader(in)
	if err != nil {
		return err
	}
	decReader, err := NewDecryptReader(in, password, header)
	if err != nil {
		return err
	}

	out, err := os.Create(dst) // #nosec G304 - controlled temp workspace path
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer func() {
		if err := out.Close(); err != nil {
			fmt.Printf("Warning: failed to close output file: %v\n", err)
		}
	}()

	if _, err := io.Copy(out, decReader); err != nil {
		return fmt.Errorf("failed to decrypt %s: %w", src, err)
	}
	return nil
}
