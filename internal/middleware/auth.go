package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

type contextKey string

// TraineeIDKey is the request-context key holding the authenticated trainee.
const TraineeIDKey contextKey = "traineeID"

// traineeClaims carries the identity claim issued by the user-management
// service alongside the registered claims.
type traineeClaims struct {
	TisID string `json:"custom:tisId"`
	jwt.RegisteredClaims
}

// Authenticator validates the bearer token and stores the trainee identity
// in the request context. Requests without a valid token, or whose token
// carries no trainee identity, are rejected with 401.
func Authenticator(secret []byte, log zerolog.Logger) func(http.Handler) http.Handler {
	log = log.With().Str("component", "auth").Logger()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			headerParts := strings.Split(authHeader, " ")
			if len(headerParts) != 2 || !strings.EqualFold(headerParts[0], "bearer") {
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}

			claims := &traineeClaims{}
			token, err := jwt.ParseWithClaims(headerParts[1], claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				log.Debug().Err(err).Msg("token rejected")
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			if claims.TisID == "" {
				log.Debug().Msg("token carries no trainee identity")
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), TraineeIDKey, claims.TisID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetTraineeIDFromContext extracts the authenticated trainee identity.
// Returns the identity and true if present, otherwise "" and false.
func GetTraineeIDFromContext(ctx context.Context) (string, bool) {
	traineeID, ok := ctx.Value(TraineeIDKey).(string)
	return traineeID, ok
}
