package blobstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Purpose scopes a signed URL to reading or writing.
type Purpose string

const (
	// PurposeRead authorizes a download.
	PurposeRead Purpose = "read"
	// PurposeWrite authorizes a single upload.
	PurposeWrite Purpose = "write"

	defaultSignerIssuer = "parley-blobstore"
)

var (
	ErrMissingSignerSecret = errors.New("blobstore: signing secret required")
	ErrInvalidURLToken     = errors.New("blobstore: invalid url token")
	ErrExpiredURLToken     = errors.New("blobstore: url token expired")
)

// URLClaims binds a token to one object key and purpose.
type URLClaims struct {
	Key      string  `json:"key"`
	Purpose  Purpose `json:"purpose"`
	MaxBytes int64   `json:"max_bytes,omitempty"`
	jwt.RegisteredClaims
}

// URLSignerConfig configures the HS256 signer backing signed URLs.
type URLSignerConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// URLSigner issues and verifies short-lived object tokens.
type URLSigner struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewURLSigner constructs a URLSigner.
func NewURLSigner(cfg URLSignerConfig) (*URLSigner, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSignerSecret
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = defaultSignerIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &URLSigner{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// Sign returns a token for the key and its expiry.
func (s *URLSigner) Sign(key string, purpose Purpose, maxBytes int64, ttl time.Duration) (string, time.Time, error) {
	if err := ValidateKey(key); err != nil {
		return "", time.Time{}, err
	}
	now := s.clock().UTC()
	expiresAt := now.Add(ttl).UTC()
	claims := URLClaims{
		Key:      key,
		Purpose:  purpose,
		MaxBytes: maxBytes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   key,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify checks the token against the requested key and purpose.
func (s *URLSigner) Verify(tokenString, key string, purpose Purpose) (URLClaims, error) {
	claims := &URLClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return s.signingSecret, nil
		},
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return URLClaims{}, ErrExpiredURLToken
		}
		return URLClaims{}, fmt.Errorf("%w: %v", ErrInvalidURLToken, err)
	}
	if claims.Key != key || claims.Purpose != purpose {
		return URLClaims{}, ErrInvalidURLToken
	}
	return *claims, nil
}
