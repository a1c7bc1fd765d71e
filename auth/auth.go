package auth

import (
	"canvas-sync/core"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

var jwtSecret []byte

// Sentinel causes for the two token failure shapes. Both carry the
// permission_denied kind, but a consumer that refreshes tokens proactively
// needs to tell them apart: expiry means "refresh and retry", invalid means
// "give up".
var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// AppClaims is the JWT claim set issued to canvas users.
type AppClaims struct {
	jwt.RegisteredClaims
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Init loads the signing secret from JWT_SECRET. Without one, a random
// per-process secret is generated; tokens then die with the process.
func Init() {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			logrus.Fatalf("failed to generate jwt secret: %v", err)
		}
		secret = hex.EncodeToString(buf)
		logrus.Warn("JWT_SECRET not set, using an ephemeral random secret")
	}
	jwtSecret = []byte(secret)
}

// SetSecret overrides the signing secret. Intended for tests.
func SetSecret(secret []byte) {
	jwtSecret = secret
}

// Sign issues a token for the identity, valid for ttl.
func Sign(identity core.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:      identity.Name,
		Email:     identity.Email,
		AvatarURL: identity.AvatarURL,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

// Verify validates a token and returns the identity it names. Expired tokens
// yield an error wrapping ErrTokenExpired; anything else malformed yields one
// wrapping ErrTokenInvalid. Both are permission_denied-kind errors.
func Verify(tokenString string) (*core.Identity, error) {
	if tokenString == "" {
		return nil, core.WrapErr(core.KindPermissionDenied, ErrTokenInvalid, "missing token")
	}

	claims := &AppClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return jwtSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, core.WrapErr(core.KindPermissionDenied, ErrTokenExpired, "token expired")
		}
		return nil, core.WrapErr(core.KindPermissionDenied, ErrTokenInvalid, "token rejected")
	}
	if !token.Valid || claims.Subject == "" {
		return nil, core.WrapErr(core.KindPermissionDenied, ErrTokenInvalid, "token rejected")
	}

	return &core.Identity{
		Subject:   claims.Subject,
		Name:      claims.Name,
		Email:     claims.Email,
		AvatarURL: claims.AvatarURL,
	}, nil
}
