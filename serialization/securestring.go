package serialization

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// SecureString holds sensitive text that must only cross the wire encrypted
// with the negotiated session key. The plaintext is kept in a private buffer
// that can be wiped with Clear.
type SecureString struct {
	value []byte
}

// NewSecureString wraps plaintext bytes. The caller should Clear the
// SecureString when done with it.
func NewSecureString(plaintext []byte) *SecureString {
	v := make([]byte, len(plaintext))
	copy(v, plaintext)
	return &SecureString{value: v}
}

// NewSecureStringFromString wraps a plaintext string.
func NewSecureStringFromString(plaintext string) *SecureString {
	return &SecureString{value: []byte(plaintext)}
}

// Bytes returns the plaintext bytes. The returned slice aliases the internal
// buffer and becomes invalid after Clear.
func (s *SecureString) Bytes() []byte {
	return s.value
}

// String returns the plaintext as a string.
func (s *SecureString) String() string {
	return string(s.value)
}

// Clear overwrites the plaintext buffer.
func (s *SecureString) Clear() {
	for i := range s.value {
		s.value[i] = 0
	}
	s.value = nil
}

// PSCredential pairs a user name with a secure-string password.
type PSCredential struct {
	UserName string
	Password *SecureString
}

// Clear wipes the credential's password.
func (c *PSCredential) Clear() {
	if c.Password != nil {
		c.Password.Clear()
	}
}

// AESCrypter implements Crypter with AES-256-CBC and PKCS#7 padding, the
// scheme the PSRP session-key exchange establishes for secure strings.
type AESCrypter struct {
	key []byte
}

// NewAESCrypter creates a crypter from a 16-, 24- or 32-byte session key.
func NewAESCrypter(key []byte) (*AESCrypter, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("invalid session key length %d", len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &AESCrypter{key: k}, nil
}

// Encrypt encrypts plaintext. The random IV is prepended to the ciphertext.
func (c *AESCrypter) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generate IV: %w", err)
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

// Decrypt reverses Encrypt.
func (c *AESCrypter) Decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aes.BlockSize || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("invalid ciphertext length %d", len(ciphertext))
	}

	iv := ciphertext[:aes.BlockSize]
	body := make([]byte, len(ciphertext)-aes.BlockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(body, ciphertext[aes.BlockSize:])

	return pkcs7Unpad(body, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+pad)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, fmt.Errorf("invalid padding byte %d", pad)
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-pad], nil
}
