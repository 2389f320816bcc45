// Package xrdauth implements the pluggable authenticators the handshake's
// kXR_auth sub-protocol rounds delegate to (spec §4.6 step N, "if auth is
// required, enter auth sub-protocol"). The core never picks an
// authenticator itself — one is configured onto the transport at
// construction, the same pattern the teacher uses for its own pluggable
// auth backends (cmn/authn-style bearer-token middleware), generalized
// here to a bidirectional challenge/response round rather than a single
// inbound header check.
package xrdauth

import (
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/xrootd-go/xrdcl/xrderr"
)

// Authenticator drives one or more rounds of the auth sub-protocol.
// Step consumes the server's challenge bytes (nil when the server sent
// none) and produces the next round's response. A nil or Success status
// means the response is ready to send; any other status aborts the
// handshake with AuthFailed. Whether another round follows is decided by
// the server's reply, not by Step's status.
type Authenticator interface {
	Name() string
	Step(challenge []byte) (response []byte, st *xrderr.Status)
}

// NoOp never engages the auth sub-protocol; HandShake should skip
// straight to Success if the server's login response did not request
// authentication.
type NoOp struct{}

func (NoOp) Name() string { return "none" }

func (NoOp) Step([]byte) ([]byte, *xrderr.Status) {
	return nil, nil
}

// JWT authenticates in a single round: it signs a short-lived token over
// the server's challenge bytes and returns it as the response. Grounded
// on golang-jwt/jwt/v4's HMAC-signing idiom.
type JWT struct {
	Subject string
	Secret  []byte
	TTL     time.Duration
}

func (j *JWT) Name() string { return "jwt" }

func (j *JWT) Step(challenge []byte) ([]byte, *xrderr.Status) {
	ttl := j.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	claims := jwt.MapClaims{
		"sub": j.Subject,
		"nce": string(challenge), // bind the token to this challenge round
		"exp": time.Now().Add(ttl).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(j.Secret)
	if err != nil {
		return nil, xrderr.Wrap(xrderr.AuthFailed, err)
	}
	return []byte(signed), nil
}

// Verify checks a token produced by Step against secret, for test
// harnesses and servers standing in for a real XRootD auth plug-in.
func Verify(token string, secret []byte) (jwt.MapClaims, *xrderr.Status) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, xrderr.Wrap(xrderr.AuthFailed, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, xrderr.New(xrderr.AuthFailed)
	}
	return claims, nil
}
