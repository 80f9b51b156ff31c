package middleware

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/lumina/internal/auth"
)

type contextKey string

const claimsKey contextKey = "admin_claims"

func SetClaims(ctx context.Context, c auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

func GetClaims(r *http.Request) (auth.Claims, bool) {
	c, ok := r.Context().Value(claimsKey).(auth.Claims)
	return c, ok
}

// Subject returns the authenticated admin name, or "" outside the admin routes.
func Subject(r *http.Request) string {
	c, _ := GetClaims(r)
	return c.Subject
}
