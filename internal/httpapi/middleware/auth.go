package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/handoff/internal/auth"
	"github.com/suPer8Hu/handoff/internal/common"
	"github.com/suPer8Hu/handoff/internal/handoff"
)

const (
	UserIDKey = "user_id"
	RoleKey   = "role"
)

// AuthRequired validates the bearer token and stores the actor id and role.
// When operators is non-empty it decides the operator role; the token's role
// claim is used otherwise.
func AuthRequired(secret string, operators []string) gin.HandlerFunc {
	roster := make(map[string]struct{}, len(operators))
	for _, id := range operators {
		roster[id] = struct{}{}
	}

	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			common.Fail(c, http.StatusUnauthorized, 40101, "missing bearer token")
			return
		}
		claims, err := auth.ParseJWT(strings.TrimPrefix(h, "Bearer "), secret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid token")
			return
		}

		role := handoff.RoleUser
		if len(roster) > 0 {
			if _, ok := roster[claims.Subject]; ok {
				role = handoff.RoleOperator
			}
		} else if claims.Role == string(handoff.RoleOperator) {
			role = handoff.RoleOperator
		}

		c.Set(UserIDKey, claims.Subject)
		c.Set(RoleKey, role)
		c.Next()
	}
}

// Actor returns the authenticated actor set by AuthRequired.
func Actor(c *gin.Context) (string, handoff.Role, bool) {
	id := c.GetString(UserIDKey)
	if id == "" {
		return "", "", false
	}
	role, _ := c.Get(RoleKey)
	r, ok := role.(handoff.Role)
	return id, r, ok
}
