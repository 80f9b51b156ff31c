// Package auth authenticates the single administrator account and issues
// the HS256 session tokens that gate the admin API.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "lumina"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// Config mirrors config.SecurityConfig.
type Config struct {
	Username     string
	Password     string
	PasswordHash string
	Secret       string
	TTL          time.Duration
}

// Claims identifies an authenticated admin session.
type Claims struct {
	Subject   string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Token is handed out by Login.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
	ExpiresIn   time.Duration
}

type Authenticator struct {
	username     string
	passwordHash []byte
	secret       []byte
	ttl          time.Duration
	ephemeral    bool
	now          func() time.Time
}

// New builds an Authenticator. A plain password is hashed once at startup.
// Without a secret a random one is generated, so tokens do not survive a
// restart; callers should only allow that in development.
func New(cfg Config) (*Authenticator, error) {
	if cfg.Username == "" {
		return nil, errors.New("admin username is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("token ttl must be positive")
	}

	a := &Authenticator{username: cfg.Username, ttl: cfg.TTL, now: time.Now}

	switch {
	case cfg.PasswordHash != "":
		if _, err := bcrypt.Cost([]byte(cfg.PasswordHash)); err != nil {
			return nil, fmt.Errorf("parse admin password hash: %w", err)
		}
		a.passwordHash = []byte(cfg.PasswordHash)
	case cfg.Password != "":
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash admin password: %w", err)
		}
		a.passwordHash = hash
	default:
		return nil, errors.New("admin password or password hash is required")
	}

	if cfg.Secret != "" {
		a.secret = []byte(cfg.Secret)
	} else {
		a.secret = make([]byte, 32)
		if _, err := rand.Read(a.secret); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
		a.ephemeral = true
	}
	return a, nil
}

// Ephemeral reports whether the signing secret was generated at startup.
func (a *Authenticator) Ephemeral() bool {
	return a.ephemeral
}

// Login checks the admin credentials and issues a token.
func (a *Authenticator) Login(username, password string) (Token, error) {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	// bcrypt runs even when the username is wrong.
	passErr := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password))
	if !userOK || passErr != nil {
		return Token{}, ErrInvalidCredentials
	}
	return a.Issue(username)
}

// Issue signs a token for subject.
func (a *Authenticator) Issue(subject string) (Token, error) {
	now := a.now()
	exp := now.Add(a.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{AccessToken: signed, ExpiresAt: exp, ExpiresIn: a.ttl}, nil
}

// Parse validates raw and returns its claims. Every failure matches
// ErrInvalidToken.
func (a *Authenticator) Parse(raw string) (Claims, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject != a.username {
		return Claims{}, ErrInvalidToken
	}

	out := Claims{Subject: claims.Subject, TokenID: claims.ID}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
