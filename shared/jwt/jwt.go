package jwt

import (
	"crypto/rsa"
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Verifier struct {
	pub    *rsa.PublicKey
	secret []byte
}

// NewVerifier prefers an RSA public key, then an HMAC secret. With neither,
// tokens are parsed without validation (dev only).
func NewVerifier(pubKeyPath, hmacSecret string) (*Verifier, error) {
	v := &Verifier{}
	if hmacSecret != "" {
		v.secret = []byte(hmacSecret)
	}
	if pubKeyPath == "" {
		return v, nil
	}
	b, err := os.ReadFile(pubKeyPath)
	if err != nil {
		return nil, err
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(b)
	if err != nil {
		return nil, err
	}
	v.pub = pub
	return v, nil
}

// VerifyToken verifies token (if a key is available) and returns claims map.
func (v *Verifier) VerifyToken(tokenStr string) (jwt.MapClaims, error) {
	var token *jwt.Token
	var err error
	switch {
	case v.pub != nil:
		token, err = jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return v.pub, nil
		})
	case v.secret != nil:
		token, err = jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return v.secret, nil
		})
	default:
		token, err = ParseUnverified(tokenStr)
	}
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(jwt.MapClaims); ok {
		return claims, nil
	}
	return nil, errors.New("invalid claims")
}

// ParseUnverified decodes claims without checking the signature. Clients use
// it to read their own identity out of a credential they were handed.
func ParseUnverified(tokenStr string) (*jwt.Token, error) {
	token, _, err := jwt.NewParser().ParseUnverified(tokenStr, jwt.MapClaims{})
	return token, err
}

// Helper to get string claim safely
func GetStringClaim(claims jwt.MapClaims, key string) (string, bool) {
	if v, ok := claims[key]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}

// Identity is the subset of claims the chat services care about.
type Identity struct {
	UserID      string
	Username    string
	DisplayName string
	ExpiresAt   time.Time
}

func IdentityFromClaims(claims jwt.MapClaims) (Identity, error) {
	sub, ok := GetStringClaim(claims, "sub")
	if !ok || sub == "" {
		return Identity{}, errors.New("token has no subject")
	}
	id := Identity{UserID: sub}
	id.Username, _ = GetStringClaim(claims, "username")
	id.DisplayName, _ = GetStringClaim(claims, "name")
	if id.Username == "" {
		id.Username = sub
	}
	if id.DisplayName == "" {
		id.DisplayName = id.Username
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	return id, nil
}

// UnverifiedIdentity reads the identity out of a token without checking its
// signature.
func UnverifiedIdentity(tokenStr string) (Identity, error) {
	token, err := ParseUnverified(tokenStr)
	if err != nil {
		return Identity{}, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, errors.New("invalid claims")
	}
	return IdentityFromClaims(claims)
}

// Sign issues an HS256 token for development use.
func Sign(secret string, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":      id.UserID,
		"username": id.Username,
		"name":     id.DisplayName,
		"iat":      now.Unix(),
	}
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
