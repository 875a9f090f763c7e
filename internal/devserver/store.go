package devserver

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrSessionNotFound = errors.New("session not found or invalid")
)

// User is the service-side account record
type User struct {
	ID            string
	Email         string
	Phone         string
	GoogleSubject string
	FirstName     string
	LastName      string
	AvatarURL     string
	Gender        string
	BirthDate     string
	EmailVerified bool
	PhoneVerified bool
	EstateID      string
	City          string
	Country       string
	CreatedAt     time.Time
}

// RefreshSession is one issued refresh token, stored by hash
type RefreshSession struct {
	ID         string
	UserID     string
	TokenHash  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy string
}

// Store keeps accounts and refresh sessions in memory
type Store struct {
	mu       sync.RWMutex
	users    map[string]*User
	sessions map[string]*RefreshSession // by token hash
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		users:    make(map[string]*User),
		sessions: make(map[string]*RefreshSession),
		now:      time.Now,
	}
}

func (s *Store) UserByID(id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return *u, nil
}

func (s *Store) UserByEmail(email string) (User, error) {
	return s.find(func(u *User) bool { return strings.EqualFold(u.Email, email) })
}

func (s *Store) UserByPhone(phone string) (User, error) {
	return s.find(func(u *User) bool { return u.Phone == phone })
}

func (s *Store) UserByGoogleSubject(sub string) (User, error) {
	return s.find(func(u *User) bool { return u.GoogleSubject == sub })
}

func (s *Store) find(match func(*User) bool) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if match(u) {
			return *u, nil
		}
	}
	return User{}, ErrUserNotFound
}

// CreateUser assigns an ID and stores u
func (s *Store) CreateUser(u User) User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.ID = uuid.NewString()
	u.CreatedAt = s.now()
	s.users[u.ID] = &u
	return u
}

// UpdateUser applies fn to the stored user
func (s *Store) UpdateUser(id string, fn func(*User)) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	fn(u)
	return *u, nil
}

// CreateSession records a refresh token hash
func (s *Store) CreateSession(userID, tokenHash string, ttl time.Duration) RefreshSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	rs := &RefreshSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: tokenHash,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	s.sessions[tokenHash] = rs
	return *rs
}

// SessionByHash returns the session for tokenHash, including revoked and expired ones
func (s *Store) SessionByHash(tokenHash string) (RefreshSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.sessions[tokenHash]
	if !ok {
		return RefreshSession{}, ErrSessionNotFound
	}
	return *rs, nil
}

// RevokeSession marks the session revoked, recording its replacement if any
func (s *Store) RevokeSession(tokenHash, replacedBy string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rs, ok := s.sessions[tokenHash]; ok && rs.RevokedAt == nil {
		now := s.now()
		rs.RevokedAt = &now
		rs.ReplacedBy = replacedBy
	}
}

// RevokeAllForUser revokes every live session of userID
func (s *Store) RevokeAllForUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, rs := range s.sessions {
		if rs.UserID == userID && rs.RevokedAt == nil {
			rs.RevokedAt = &now
		}
	}
}
