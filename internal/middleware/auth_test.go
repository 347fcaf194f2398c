package middleware_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Health-Education-England/tis-trainee-forms/internal/middleware"
)

const jwtSecretKey = "test-signing-secret"

type traineeClaims struct {
	TisID string `json:"custom:tisId"`
	jwt.RegisteredClaims
}

func TestGetTraineeIDFromContext(t *testing.T) {
	tests := []struct {
		name       string
		ctx        context.Context
		expectedID string
		expectedOK bool
	}{
		{
			name:       "context with trainee ID",
			ctx:        context.WithValue(context.Background(), middleware.TraineeIDKey, "47165"),
			expectedID: "47165",
			expectedOK: true,
		},
		{
			name:       "empty context",
			ctx:        context.Background(),
			expectedID: "",
			expectedOK: false,
		},
		{
			name:       "wrong value type",
			ctx:        context.WithValue(context.Background(), middleware.TraineeIDKey, 47165),
			expectedID: "",
			expectedOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			traineeID, ok := middleware.GetTraineeIDFromContext(tt.ctx)
			assert.Equal(t, tt.expectedID, traineeID)
			assert.Equal(t, tt.expectedOK, ok)
		})
	}
}

func generateTestToken(t *testing.T, tisID, secretKey string, expiresAt time.Time) string {
	t.Helper()
	claims := traineeClaims{
		TisID: tisID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "test-issuer",
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secretKey))
	require.NoError(t, err)
	return token
}

func TestAuthenticator(t *testing.T) {
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traineeID, ok := middleware.GetTraineeIDFromContext(r.Context())
		assert.True(t, ok, "trainee ID must be in context")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "OK for trainee %s", traineeID)
	})

	authMiddleware := middleware.Authenticator([]byte(jwtSecretKey), zerolog.Nop())(nextHandler)
	server := httptest.NewServer(authMiddleware)
	defer server.Close()

	tests := []struct {
		name           string
		header         string
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "valid token",
			header:         "Bearer " + generateTestToken(t, "47165", jwtSecretKey, time.Now().Add(time.Hour)),
			expectedStatus: http.StatusOK,
			expectedBody:   "OK for trainee 47165",
		},
		{
			name:           "missing authorization header",
			header:         "",
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   "authentication required",
		},
		{
			name:           "no bearer prefix",
			header:         generateTestToken(t, "47165", jwtSecretKey, time.Now().Add(time.Hour)),
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   "invalid authorization header",
		},
		{
			name:           "wrong signing secret",
			header:         "Bearer " + generateTestToken(t, "47165", "wrong-secret", time.Now().Add(time.Hour)),
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   "invalid token",
		},
		{
			name:           "expired token",
			header:         "Bearer " + generateTestToken(t, "47165", jwtSecretKey, time.Now().Add(-time.Hour)),
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   "invalid token",
		},
		{
			name:           "token without trainee identity",
			header:         "Bearer " + generateTestToken(t, "", jwtSecretKey, time.Now().Add(time.Hour)),
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   "invalid token",
		},
		{
			name:           "garbage token",
			header:         "Bearer garbage",
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   "invalid token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, server.URL, nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			resp, err := server.Client().Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.expectedStatus, resp.StatusCode)
			body, _ := io.ReadAll(resp.Body)
			assert.Contains(t, string(body), tt.expectedBody)
		})
	}
}
