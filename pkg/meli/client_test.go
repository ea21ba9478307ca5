package meli

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meli_sync_v1/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, retries int) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(config.MeliConfig{
		APIBaseURL:   srv.URL,
		AuthURL:      "https://auth.mercadolivre.com.br/authorization",
		ClientID:     "app-1",
		ClientSecret: "secret-1",
		RedirectURI:  "https://example.com/callback",
		Timeout:      5 * time.Second,
		RetryCount:   retries,
		RPS:          1000,
		Burst:        100,
	})
}

func TestClient_RefreshToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/oauth/token", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "app-1", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret-1", r.PostForm.Get("client_secret"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"APP_USR-new","token_type":"bearer","expires_in":21600,"user_id":1001,"refresh_token":"TG-new"}`))
	}, 0)

	tok, err := client.RefreshToken(context.Background(), "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "APP_USR-new", tok.AccessToken)
	assert.Equal(t, "TG-new", tok.RefreshToken)
	assert.Equal(t, int64(21600), tok.ExpiresIn)
	assert.Equal(t, int64(1001), tok.UserID)
}

func TestClient_RefreshToken_Rejected(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"Error validating grant","error":"invalid_grant","status":400,"cause":[]}`))
	}, 2)

	_, err := client.RefreshToken(context.Background(), "bad")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))
	assert.False(t, IsTransient(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invalid_grant", apiErr.Code)
}

// 即使配置了重试，/oauth/token 也只发一次
func TestClient_RefreshToken_NoInternalRetry(t *testing.T) {
	var posts int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&posts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, 2)

	_, err := client.RefreshToken(context.Background(), "TG-single-use")
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(err))
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&posts))
}

func TestClient_GetOrder_Unauthorized(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer expired-token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"invalid access token","error":"not_found","status":401}`))
	}, 0)

	_, err := client.GetOrder(context.Background(), "expired-token", "555")
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
}

func TestClient_GetOrder(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders/555", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"id":555,"status":"paid","total_amount":120.5}`))
	}, 0)

	raw, err := client.GetOrder(context.Background(), "tok", "555")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":555,"status":"paid","total_amount":120.5}`, string(raw))
}

func TestClient_RetriesOn5xx(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":"MLB1","title":"Camiseta"}`))
	}, 1)

	raw, err := client.GetItem(context.Background(), "tok", "MLB1")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "MLB1")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_NoRetryOn4xx(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"not found","error":"not_found","status":404}`))
	}, 2)

	_, err := client.GetShipment(context.Background(), "tok", "42")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_Counts(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/1001/items/search":
			_, _ = w.Write([]byte(`{"paging":{"total":42}}`))
		case "/orders/search":
			assert.Equal(t, "1001", r.URL.Query().Get("seller"))
			assert.NotEmpty(t, r.URL.Query().Get("order.date_created.from"))
			_, _ = w.Write([]byte(`{"paging":{"total":17}}`))
		case "/post-purchase/v1/claims/search":
			assert.Equal(t, "opened", r.URL.Query().Get("status"))
			_, _ = w.Write([]byte(`{"paging":{"total":2}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}, 0)

	ctx := context.Background()

	n, err := client.CountItems(ctx, "tok", 1001)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	n, err = client.CountOrders(ctx, "tok", 1001, time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 17, n)

	n, err = client.CountOpenClaims(ctx, "tok", 1001)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestClient_AuthorizationURL(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {}, 0)

	u := client.AuthorizationURL("state-1", "challenge-1")
	assert.Contains(t, u, "https://auth.mercadolivre.com.br/authorization?")
	assert.Contains(t, u, "client_id=app-1")
	assert.Contains(t, u, "state=state-1")
	assert.Contains(t, u, "code_challenge=challenge-1")
	assert.Contains(t, u, "code_challenge_method=S256")
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&APIError{StatusCode: 503}))
	assert.True(t, IsTransient(&APIError{StatusCode: 429}))
	assert.False(t, IsTransient(&APIError{StatusCode: 400}))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(nil))
}
