package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/concierge/internal/credential"
)

func TestSource_FreshTokenReturnedAsIs(t *testing.T) {
	store := testStore(t)
	cfg := oauthConfig("https://provider.example/token")

	expiry := time.Now().Add(time.Hour)
	require.NoError(t, store.SetToken(context.Background(), cfg.ID, credential.TokenRecord{
		AccessToken: "fresh", RefreshToken: "r", Expiry: &expiry,
	}))

	src := NewSource(store, nil)
	token, err := src.AccessToken(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, "fresh", token)
}

func TestSource_NoExpiryNeverRefreshes(t *testing.T) {
	store := testStore(t)
	// Token URL is unreachable; a refresh attempt would fail loudly.
	cfg := oauthConfig("http://127.0.0.1:1/token")

	require.NoError(t, store.SetToken(context.Background(), cfg.ID, credential.TokenRecord{AccessToken: "forever"}))

	src := NewSource(store, nil)
	token, err := src.AccessToken(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, "forever", token)
}

func TestSource_ExpiredTokenRefreshedAndReplaced(t *testing.T) {
	var gotRefreshToken string
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotRefreshToken = r.Form.Get("refresh_token")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","token_type":"Bearer","expires_in":3600}`))
	}))
	defer provider.Close()

	store := testStore(t)
	cfg := oauthConfig(provider.URL)

	stale := time.Now().Add(-time.Hour)
	require.NoError(t, store.SetToken(context.Background(), cfg.ID, credential.TokenRecord{
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		Expiry:       &stale,
		Identity:     "user@example.com",
	}))

	src := NewSource(store, nil)
	token, err := src.AccessToken(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, "new-access", token)
	require.Equal(t, "old-refresh", gotRefreshToken)

	// The refreshed pair replaced the stored record, identity retained.
	stored, err := store.GetToken(context.Background(), cfg.ID)
	require.NoError(t, err)
	require.Equal(t, "new-access", stored.AccessToken)
	require.Equal(t, "new-refresh", stored.RefreshToken)
	require.Equal(t, "user@example.com", stored.Identity)
	require.NotNil(t, stored.Expiry)
	require.True(t, stored.Expiry.After(time.Now()))
}

func TestSource_ExpiredWithoutRefreshToken(t *testing.T) {
	store := testStore(t)
	cfg := oauthConfig("https://provider.example/token")

	stale := time.Now().Add(-time.Minute)
	require.NoError(t, store.SetToken(context.Background(), cfg.ID, credential.TokenRecord{
		AccessToken: "old", Expiry: &stale,
	}))

	src := NewSource(store, nil)
	_, err := src.AccessToken(context.Background(), cfg)
	require.ErrorContains(t, err, "re-authorize")
}

func TestSource_MissingToken(t *testing.T) {
	src := NewSource(testStore(t), nil)
	_, err := src.AccessToken(context.Background(), oauthConfig("https://provider.example/token"))
	require.ErrorIs(t, err, credential.ErrSecretNotFound)
}
