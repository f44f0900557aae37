package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nextlevelbuilder/clawlane/internal/config"
	"github.com/nextlevelbuilder/clawlane/pkg/protocol"
)

var (
	ErrAuthFailure  = errors.New("authentication failed")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Principal names used when the credential carries no identity of its own.
const (
	PrincipalOperator  = "operator"
	PrincipalAnonymous = "anonymous"
)

// JWTVerifier checks HS256 connect tokens and yields the "sub" claim.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return sub, nil
}

// Generate mints a token for principal that expires after expiresIn.
func (v *JWTVerifier) Generate(principal string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": principal,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// PairingSignature is the proof a paired device sends: hex HMAC-SHA256 of
// the challenge nonce keyed by the device secret.
func PairingSignature(secret, nonce string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticator validates connect requests against the gateway config.
// With no credential of any kind configured every client is accepted.
type Authenticator struct {
	token   string
	jwt     *JWTVerifier
	devices map[string]string
}

func NewAuthenticator(cfg config.GatewayConfig) *Authenticator {
	a := &Authenticator{token: cfg.Token, devices: cfg.PairedDevices}
	if cfg.JWTSecret != "" {
		a.jwt = NewJWTVerifier([]byte(cfg.JWTSecret))
	}
	return a
}

// Open reports whether no credentials are configured.
func (a *Authenticator) Open() bool {
	return a.token == "" && a.jwt == nil && len(a.devices) == 0
}

// Authenticate returns the principal for a connect request answering nonce.
// All failures wrap ErrAuthFailure.
func (a *Authenticator) Authenticate(p protocol.ConnectParams, nonce string) (string, error) {
	if proof := p.PairingProof; proof != nil {
		secret, ok := a.devices[proof.DeviceID]
		if !ok || proof.Signature == "" {
			return "", fmt.Errorf("%w: unknown device %q", ErrAuthFailure, proof.DeviceID)
		}
		want := PairingSignature(secret, nonce)
		if !hmac.Equal([]byte(strings.ToLower(proof.Signature)), []byte(want)) {
			return "", fmt.Errorf("%w: bad pairing signature", ErrAuthFailure)
		}
		return "device:" + proof.DeviceID, nil
	}

	if p.Token != "" {
		if a.token != "" && subtle.ConstantTimeCompare([]byte(p.Token), []byte(a.token)) == 1 {
			return PrincipalOperator, nil
		}
		if a.jwt != nil {
			sub, err := a.jwt.Verify(p.Token)
			if err != nil {
				return "", fmt.Errorf("%w: %w", ErrAuthFailure, err)
			}
			return sub, nil
		}
		if a.Open() {
			return PrincipalAnonymous, nil
		}
		return "", fmt.Errorf("%w: token rejected", ErrAuthFailure)
	}

	if a.Open() {
		return PrincipalAnonymous, nil
	}
	return "", fmt.Errorf("%w: no credentials", ErrAuthFailure)
}
