package session

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" // #nosec G505 -- OAEP digest fixed by the remoting protocol
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kmahony/go-psremoting/messages"
	"github.com/kmahony/go-psremoting/serialization"
)

const rsaKeyBits = 2048

// sessionCipher is the shared secure-string cipher slot. It is wired into
// the session's serializer and deserializer at construction and armed once
// the key exchange completes; until then any secure-string operation fails
// with ErrNoCipher. Read-only after arming.
type sessionCipher struct {
	mu sync.RWMutex
	c  *serialization.AESCrypter
}

func (s *sessionCipher) set(c *serialization.AESCrypter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c = c
}

func (s *sessionCipher) ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c != nil
}

func (s *sessionCipher) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.c == nil {
		return nil, serialization.ErrNoCipher
	}
	return s.c.Encrypt(plaintext)
}

func (s *sessionCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.c == nil {
		return nil, serialization.ErrNoCipher
	}
	return s.c.Decrypt(ciphertext)
}

// keyExchange is one in-flight exchange. The session lock guarantees at
// most one exists at a time.
type keyExchange struct {
	private *rsa.PrivateKey
	once    sync.Once
	err     error
	done    chan struct{}
}

// complete resolves the exchange exactly once; later completions lose.
func (kx *keyExchange) complete(err error) {
	kx.once.Do(func() {
		kx.err = err
		close(kx.done)
	})
}

// EnsureKeyExchange arms the secure-string cipher, performing the exchange
// lazily on first use: the client sends its RSA public key, the server
// answers with the AES session key encrypted under it. Concurrent callers
// coalesce onto the same in-flight exchange. No-op once the key is
// established.
func (s *Session) EnsureKeyExchange(ctx context.Context) error {
	if s.cipher.ready() {
		return nil
	}

	s.mu.Lock()
	switch s.state {
	case Established:
	case KeyExchange:
		// join the in-flight exchange
		kx := s.kx
		s.mu.Unlock()
		return s.waitKeyExchange(ctx, kx)
	default:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotEstablished, st)
	}

	private, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("generate exchange key: %w", err)
	}
	kx := &keyExchange{private: private, done: make(chan struct{})}
	s.kx = kx
	s.setStateLocked(KeyExchange)
	s.mu.Unlock()

	public := base64.StdEncoding.EncodeToString(
		x509.MarshalPKCS1PublicKey(&private.PublicKey))
	if err := s.Send(uuid.Nil, uuid.Nil, &messages.PublicKey{Key: public}); err != nil {
		s.failKeyExchange(kx, fmt.Errorf("send public key: %w", err))
		return err
	}
	return s.waitKeyExchange(ctx, kx)
}

func (s *Session) waitKeyExchange(ctx context.Context, kx *keyExchange) error {
	if kx == nil {
		return fmt.Errorf("key exchange not in flight")
	}
	timer := time.NewTimer(s.opts.OpenTimeout)
	defer timer.Stop()
	select {
	case <-kx.done:
		return kx.err
	case <-timer.C:
		err := fmt.Errorf("key exchange timed out after %s", s.opts.OpenTimeout)
		s.failKeyExchange(kx, err)
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleEncryptedSessionKey completes the exchange with the server's reply.
func (s *Session) handleEncryptedSessionKey(b *messages.EncryptedSessionKey) {
	s.mu.Lock()
	kx := s.kx
	s.mu.Unlock()
	if kx == nil {
		s.log.Warn("encrypted session key with no exchange in flight")
		return
	}

	ciphertext, err := base64.StdEncoding.DecodeString(b.Key)
	if err != nil {
		s.failKeyExchange(kx, fmt.Errorf("decode session key: %w", err))
		return
	}
	key, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, kx.private, ciphertext, nil)
	if err != nil {
		s.failKeyExchange(kx, fmt.Errorf("decrypt session key: %w", err))
		return
	}
	crypter, err := serialization.NewAESCrypter(key)
	if err != nil {
		s.failKeyExchange(kx, fmt.Errorf("session key unusable: %w", err))
		return
	}

	s.cipher.set(crypter)
	s.mu.Lock()
	s.kx = nil
	if s.state == KeyExchange {
		s.setStateLocked(Established)
	}
	s.mu.Unlock()
	kx.complete(nil)
	s.log.Debug("session key established")
}

func (s *Session) failKeyExchange(kx *keyExchange, reason error) {
	s.mu.Lock()
	if s.kx == kx {
		s.kx = nil
		if s.state == KeyExchange {
			s.setStateLocked(Established)
		}
	}
	s.mu.Unlock()
	kx.complete(reason)
	s.log.Warn("key exchange failed", zap.Error(reason))
}
