package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-redemption/internal/logger"
)

const testSecret = "staff-secret-for-tests"

func protected(v Verifier, roles ...string) http.Handler {
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(UserID(r.Context())))
	})
	return Middleware(v, logger.NewNopLogger())(RequireRole(roles...)(final))
}

func TestMiddleware_AcceptsRole(t *testing.T) {
	v, err := NewHMACVerifier(testSecret)
	require.NoError(t, err)

	token, err := SignStaffToken(testSecret, "scanner-7", []string{"scanner"}, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/booking-token/verify", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	protected(v, RoleScanner).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "scanner-7", rec.Body.String())
}

func TestMiddleware_ForbidsWrongRole(t *testing.T) {
	v, _ := NewHMACVerifier(testSecret)
	token, _ := SignStaffToken(testSecret, "till-1", []string{"CHECKOUT"}, time.Minute)

	req := httptest.NewRequest(http.MethodPost, "/discount/regenerate", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	protected(v, RoleAdmin).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMiddleware_AdminSatisfiesEveryRole(t *testing.T) {
	v, _ := NewHMACVerifier(testSecret)
	token, _ := SignStaffToken(testSecret, "ops", []string{"ADMIN"}, time.Minute)

	req := httptest.NewRequest(http.MethodPost, "/booking-token/verify", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	protected(v, RoleScanner).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddleware_RejectsBadTokens(t *testing.T) {
	v, _ := NewHMACVerifier(testSecret)
	expired, _ := SignStaffToken(testSecret, "old", []string{"ADMIN"}, -time.Minute)
	forged, _ := SignStaffToken("some-other-secret", "mallory", []string{"ADMIN"}, time.Minute)
	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x", "roles": []string{"ADMIN"}}).SignedString([]byte(testSecret))

	for name, header := range map[string]string{
		"missing": "",
		"scheme":  "Basic abc",
		"expired": "Bearer " + expired,
		"forged":  "Bearer " + forged,
		"no exp":  "Bearer " + noExp,
	} {
		req := httptest.NewRequest(http.MethodGet, "/discount/status", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		protected(v, RoleAdmin).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, name)
	}
}

func TestPrincipalFromClaims_RealmRoles(t *testing.T) {
	p, err := principalFromClaims(map[string]interface{}{
		"sub": "kc-user",
		"realm_access": map[string]interface{}{
			"roles": []interface{}{"scanner", "offline_access"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "kc-user", p.Subject)
	assert.True(t, p.HasRole(RoleScanner))
	assert.False(t, p.HasRole(RoleCheckout))

	_, err = principalFromClaims(map[string]interface{}{})
	assert.Error(t, err)
}

func TestRequireRole_WithoutMiddleware(t *testing.T) {
	h := RequireRole(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
