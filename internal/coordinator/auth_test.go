package coordinator

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func TestPasswordHashAndVerify(t *testing.T) {
	ps := NewPasswordService()

	hash, err := ps.HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.Contains(t, hash, "$argon2id$")

	ok, err := ps.VerifyPassword("correct horse battery staple", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ps.VerifyPassword("wrong password", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPasswordHashesAreSalted(t *testing.T) {
	ps := NewPasswordService()

	first, err := ps.HashPassword("same password")
	require.NoError(t, err)
	second, err := ps.HashPassword("same password")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestVerifyPasswordRejectsMalformedHash(t *testing.T) {
	ps := NewPasswordService()

	_, err := ps.VerifyPassword("password", "not-a-hash")
	assert.Error(t, err)
}

func TestJWTGenerateAndValidate(t *testing.T) {
	js := NewJWTService("test-secret-key-that-is-long-enough", "expo-coordinator", 24)

	user := &User{ID: 7, Username: "admin", TenantID: "tenant-1"}
	token, err := js.GenerateToken(user)
	require.NoError(t, err)

	claims, err := js.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, 7, claims.UserID)
	assert.Equal(t, "admin", claims.Username)
	assert.Equal(t, "tenant-1", claims.TenantID)
	assert.Equal(t, "expo-coordinator", claims.Issuer)
}

func TestJWTRejectsWrongKey(t *testing.T) {
	issuing := NewJWTService("test-secret-key-that-is-long-enough", "expo-coordinator", 24)
	validating := NewJWTService("a-different-secret-key-entirely-ok", "expo-coordinator", 24)

	token, err := issuing.GenerateToken(&User{ID: 1, Username: "admin"})
	require.NoError(t, err)

	_, err = validating.ValidateToken(token)
	assert.Error(t, err)
}

func TestJWTRejectsGarbage(t *testing.T) {
	js := NewJWTService("test-secret-key-that-is-long-enough", "expo-coordinator", 24)

	_, err := js.ValidateToken("not.a.token")
	assert.Error(t, err)
}

func TestRequireAuthMiddleware(t *testing.T) {
	store := setupTestStore(t)
	js := NewJWTService("test-secret-key-that-is-long-enough", "expo-coordinator", 24)
	middleware := NewAuthMiddleware(js, store)

	ps := NewPasswordService()
	hash, err := ps.HashPassword("admin-password")
	require.NoError(t, err)
	user, err := store.CreateUser("admin", "tenant-1", hash)
	require.NoError(t, err)

	handler := middleware.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxUser, ok := GetUserFromContext(r)
		require.True(t, ok)
		assert.Equal(t, user.Username, ctxUser.Username)
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("no header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Token abc")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer bogus")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		token, err := js.GenerateToken(user)
		require.NoError(t, err)

		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
