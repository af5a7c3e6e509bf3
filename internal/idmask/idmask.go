// Package idmask turns numeric record IDs into short URL tokens and back.
//
// Tokens are sqids over a shuffled alphabet. They only keep sequential IDs
// out of URLs; they are not encryption and must not guard access.
package idmask

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sqids/sqids-go"
)

const (
	alphabet  = "cKaVPRug0job8tZSlEmMivsHLXGCh1DxWOe7ANIzJfTqr52dwUBn6yQ43Fp9Yk"
	minLength = 6
)

var ErrInvalidToken = errors.New("invalid id token")

// An empty blocklist means Encode never has to retry, so it cannot fail.
var codec = mustCodec()

func mustCodec() *sqids.Sqids {
	s, err := sqids.New(sqids.Options{
		Alphabet:  alphabet,
		MinLength: minLength,
		Blocklist: []string{},
	})
	if err != nil {
		panic(fmt.Sprintf("idmask: %v", err))
	}
	return s
}

// Encode masks id.
func Encode(id uint64) string {
	t, err := codec.Encode([]uint64{id})
	if err != nil {
		panic(fmt.Sprintf("idmask: encode %d: %v", id, err))
	}
	return t
}

// Decode reverses Encode. Only the canonical token of an ID is accepted.
func Decode(token string) (uint64, error) {
	if token == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	ids := codec.Decode(token)
	if len(ids) != 1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidToken, token)
	}
	if t, err := codec.Encode(ids); err != nil || t != token {
		return 0, fmt.Errorf("%w: %q is not canonical", ErrInvalidToken, token)
	}
	return ids[0], nil
}

// Session memoizes tokens for the lifetime of one CLI or server session.
type Session struct {
	mu     sync.Mutex
	tokens map[uint64]string
	ids    map[string]uint64
}

func NewSession() *Session {
	return &Session{
		tokens: make(map[uint64]string),
		ids:    make(map[string]uint64),
	}
}

func (s *Session) Encode(id uint64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tokens[id]; ok {
		return t
	}
	t := Encode(id)
	s.tokens[id] = t
	s.ids[t] = id
	return t
}

func (s *Session) Decode(token string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.ids[token]; ok {
		return id, nil
	}
	id, err := Decode(token)
	if err != nil {
		return 0, err
	}
	s.tokens[id] = token
	s.ids[token] = id
	return id, nil
}

// Len returns the number of memoized pairs.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
