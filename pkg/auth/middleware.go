package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const claimsContextKey contextKey = "claims"

// DevSubject is the identity assigned when auth is disabled.
const DevSubject = "dev"

// Middleware authenticates requests with Bearer tokens. A nil validator
// disables authentication: every request runs as DevSubject, optionally
// overridden by the X-User-ID header for local multi-user testing.
func Middleware(v *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				subject := r.Header.Get("X-User-ID")
				if subject == "" {
					subject = DevSubject
				}
				ctx := context.WithValue(r.Context(), claimsContextKey, &Claims{Subject: subject})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				http.Error(w, `{"error":"missing Authorization header"}`, http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(header, "Bearer ")
			if tokenString == header {
				http.Error(w, `{"error":"invalid Authorization format, expected: Bearer <token>"}`, http.StatusUnauthorized)
				return
			}

			claims, err := v.Validate(r.Context(), tokenString)
			if err != nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClaims returns the request's validated claims, or nil outside the
// middleware.
func GetClaims(r *http.Request) *Claims {
	claims, _ := r.Context().Value(claimsContextKey).(*Claims)
	return claims
}

// UserID returns the authenticated subject, empty when unauthenticated.
func UserID(r *http.Request) string {
	if claims := GetClaims(r); claims != nil {
		return claims.Subject
	}
	return ""
}
