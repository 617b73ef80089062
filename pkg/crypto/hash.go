package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Ошибки проверки токенов
var (
	ErrEmptyToken    = errors.New("token cannot be empty")
	ErrTokenMismatch = errors.New("token does not match hash")
	ErrInvalidHash   = errors.New("invalid token hash format")
	ErrTokenTooLong  = errors.New("token exceeds maximum length of 72 bytes")
)

// DefaultCost - стоимость хеширования по умолчанию
const DefaultCost = 12

// MaxTokenLength - максимальная длина токена для bcrypt (72 байта)
const MaxTokenLength = 72

// HashToken хеширует API токен с указанной стоимостью
// cost приводится к диапазону bcrypt.MinCost..bcrypt.MaxCost
func HashToken(token string, cost int) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}
	if len(token) > MaxTokenLength {
		return "", ErrTokenTooLong
	}

	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyToken проверяет соответствие токена хешу
func VerifyToken(token, hash string) error {
	if token == "" {
		return ErrEmptyToken
	}
	if hash == "" {
		return ErrInvalidHash
	}

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrTokenMismatch
		}
		return ErrInvalidHash
	}
	return nil
}

// GenerateToken возвращает случайный токен из n байт в hex
func GenerateToken(n int) (string, error) {
	if n <= 0 || n*2 > MaxTokenLength {
		return "", ErrTokenTooLong
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// TokenVerifier проверяет токены запросов против одного bcrypt хеша
//
// bcrypt на каждый запрос стоит сотни миллисекунд, поэтому успешно
// проверенные токены запоминаются по sha256-дайджесту. Неверные токены
// не кешируются.
type TokenVerifier struct {
	hash string

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]struct{}
}

// NewTokenVerifier создаёт проверку для bcrypt хеша
func NewTokenVerifier(hash string) (*TokenVerifier, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, ErrInvalidHash
	}
	return &TokenVerifier{
		hash:     hash,
		verified: make(map[[sha256.Size]byte]struct{}),
	}, nil
}

// Verify возвращает true, если токен соответствует хешу
func (v *TokenVerifier) Verify(token string) bool {
	if token == "" || len(token) > MaxTokenLength {
		return false
	}
	digest := sha256.Sum256([]byte(token))

	v.mu.RLock()
	_, ok := v.verified[digest]
	v.mu.RUnlock()
	if ok {
		return true
	}

	if VerifyToken(token, v.hash) != nil {
		return false
	}

	v.mu.Lock()
	v.verified[digest] = struct{}{}
	v.mu.Unlock()
	return true
}
