// Package capability mints the short-lived tokens that let the isolated
// runtime load exactly one deployment.
package capability

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// TokenTTL bounds the lifetime of every capability token.
const TokenTTL = 15 * time.Minute

// DefaultKeyID is the kid header used when the issuer is not configured with one.
const DefaultKeyID = "zipper"

var (
	// ErrMissingSecret is returned when minting or parsing without a signing secret.
	ErrMissingSecret = errors.New("capability: signing secret not configured")
	// ErrInvalidDeployment is returned for an empty or malformed deployment id.
	ErrInvalidDeployment = errors.New("capability: invalid deployment id")
	// ErrInvalidOrigin is returned when the runtime origin is not an absolute URL.
	ErrInvalidOrigin = errors.New("capability: invalid runtime origin")
)

// Claims defines the capability payload.
type Claims struct {
	DeploymentID string `json:"deployment_id"`
	RPCRoot      string `json:"rpc_root"`
	jwtlib.RegisteredClaims
}

// Token is a signed compact JWT plus the key id it was issued under.
type Token struct {
	Value     string
	KeyID     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// DeploymentID joins an applet id and version into the "{appId}@{version}" form.
func DeploymentID(appletID, version string) string {
	return appletID + "@" + version
}

// Mint signs claims for deploymentID with HS256. The secret must be non-empty.
func Mint(deploymentID, rpcRoot string, secret []byte, keyID string, now time.Time) (Token, error) {
	if len(secret) == 0 {
		return Token{}, ErrMissingSecret
	}
	if strings.TrimSpace(deploymentID) == "" {
		return Token{}, ErrInvalidDeployment
	}
	if keyID == "" {
		keyID = DefaultKeyID
	}
	issued := jwtlib.NewNumericDate(now)
	expires := jwtlib.NewNumericDate(now.Add(TokenTTL))
	claims := Claims{
		DeploymentID: deploymentID,
		RPCRoot:      rpcRoot,
		RegisteredClaims: jwtlib.RegisteredClaims{
			IssuedAt:  issued,
			ExpiresAt: expires,
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	token.Header["kid"] = keyID
	signed, err := token.SignedString(secret)
	if err != nil {
		return Token{}, fmt.Errorf("capability: sign token: %w", err)
	}
	return Token{Value: signed, KeyID: keyID, IssuedAt: issued.Time, ExpiresAt: expires.Time}, nil
}

// Parse validates token with secret and returns its claims. Only HS256 is accepted.
func Parse(token string, secret []byte) (*Claims, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return secret, nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}

// Issuer binds a secret, key id and runtime origin for repeated minting.
type Issuer struct {
	secret  []byte
	keyID   string
	rpcRoot string
	origin  *url.URL
	now     func() time.Time
}

// NewIssuer validates configuration and returns an Issuer. An empty secret is
// rejected here so a misconfigured relay fails at startup rather than per request.
func NewIssuer(secret, keyID, runtimeOrigin, rpcRoot string) (*Issuer, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	origin, err := url.Parse(strings.TrimSpace(runtimeOrigin))
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, ErrInvalidOrigin
	}
	origin.Path = strings.TrimRight(origin.Path, "/")
	origin.RawQuery = ""
	origin.Fragment = ""
	return &Issuer{
		secret:  []byte(secret),
		keyID:   keyID,
		rpcRoot: rpcRoot,
		origin:  origin,
		now:     time.Now,
	}, nil
}

// Mint issues a token for deploymentID using the issuer's rpc root.
func (i *Issuer) Mint(deploymentID string) (Token, error) {
	if i == nil {
		return Token{}, ErrMissingSecret
	}
	return Mint(deploymentID, i.rpcRoot, i.secret, i.keyID, i.now())
}

// Parse validates a token minted by this issuer.
func (i *Issuer) Parse(token string) (*Claims, error) {
	if i == nil {
		return nil, ErrMissingSecret
	}
	return Parse(token, i.secret)
}

// RouteFor maps a deployment id to the runtime origin with the id as the
// first path segment.
func (i *Issuer) RouteFor(deploymentID string) *url.URL {
	target := *i.origin
	target.Path = i.origin.Path + "/" + deploymentID
	target.RawPath = ""
	return &target
}
