// Package session holds the authenticated local identity the chat engine runs
// under. A session is created from a signed token at login and ended at logout.
package session

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/op/go-logging"

	"telechat/models"
)

var log = logging.MustGetLogger("session")

var (
	// ErrEnded is returned for a session after End was called.
	ErrEnded = errors.New("session: ended")
	// ErrExpired is returned for a session whose token lifetime has passed.
	ErrExpired = errors.New("session: expired")
	// ErrInvalidToken wraps token parse and signature failures.
	ErrInvalidToken = errors.New("session: invalid token")
)

// DefaultTTL is the lifetime of issued tokens.
const DefaultTTL = 12 * time.Hour

// Claims is the JWT payload carried by a session token.
type Claims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Session is the read-only identity of the signed-in user.
type Session struct {
	UserID    string
	Name      string
	Role      string
	Token     string
	ExpiresAt time.Time

	ended atomic.Bool
	now   func() time.Time
}

// New returns an untokened session. A zero ExpiresAt never expires.
func New(userID, name, role string) *Session {
	return &Session{UserID: userID, Name: name, Role: role, now: time.Now}
}

// Issue signs a token for participant valid for ttl.
func Issue(secret []byte, participant models.Participant, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret is required")
	}
	if participant.ID == "" {
		return "", errors.New("user_id is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := time.Now()
	claims := Claims{
		Name: participant.Name,
		Role: participant.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   participant.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies token against secret and returns the session it describes.
func Parse(secret []byte, token string) (*Session, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if !models.ValidRole(claims.Role) {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}

	s := New(claims.Subject, claims.Name, claims.Role)
	s.Token = token
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

// Err reports why the session can no longer be used, or nil.
func (s *Session) Err() error {
	if s == nil {
		return ErrEnded
	}
	if s.ended.Load() {
		return ErrEnded
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	if !s.ExpiresAt.IsZero() && !now().Before(s.ExpiresAt) {
		return ErrExpired
	}
	return nil
}

// End marks the session logged out.
func (s *Session) End() {
	if s.ended.CompareAndSwap(false, true) {
		log.Infof("session for %s ended", s.UserID)
	}
}

// IsDoctor reports whether the local user holds the doctor role.
func (s *Session) IsDoctor() bool {
	return s.Role == models.RoleDoctor
}
