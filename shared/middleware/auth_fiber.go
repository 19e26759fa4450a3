package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	jwtv "github.com/fathima-sithara/chat-app/shared/jwt"
	"github.com/fathima-sithara/chat-app/shared/utils"
)

const (
	LocalUserID   = "user_id"
	LocalIdentity = "identity"
)

// JWTAuth validates the bearer token and stores the caller's identity in
// c.Locals under LocalUserID and LocalIdentity.
func JWTAuth(verifier *jwtv.Verifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		auth := c.Get(fiber.HeaderAuthorization)
		if auth == "" {
			return utils.JSONError(c, fiber.StatusUnauthorized, "missing authorization")
		}
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return utils.JSONError(c, fiber.StatusUnauthorized, "invalid authorization")
		}
		id, err := Authenticate(verifier, parts[1])
		if err != nil {
			return utils.JSONError(c, fiber.StatusUnauthorized, "invalid token")
		}
		c.Locals(LocalUserID, id.UserID)
		c.Locals(LocalIdentity, id)
		return c.Next()
	}
}

// Authenticate verifies a raw token and extracts the identity. The websocket
// route uses it directly since the token travels in the path there.
func Authenticate(verifier *jwtv.Verifier, token string) (jwtv.Identity, error) {
	claims, err := verifier.VerifyToken(token)
	if err != nil {
		return jwtv.Identity{}, err
	}
	return jwtv.IdentityFromClaims(claims)
}

// UserID returns the authenticated user id set by JWTAuth.
func UserID(c *fiber.Ctx) string {
	s, _ := c.Locals(LocalUserID).(string)
	return s
}

// Identity returns the authenticated identity set by JWTAuth.
func Identity(c *fiber.Ctx) jwtv.Identity {
	id, _ := c.Locals(LocalIdentity).(jwtv.Identity)
	return id
}
