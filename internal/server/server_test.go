package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tobenna/marketledger/internal/config"
	"github.com/tobenna/marketledger/internal/logging"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testConfig() *config.Config {
	return &config.Config{
		Port:                    "0",
		Env:                     "development",
		LogLevel:                "error",
		Currency:                "NGN",
		GatewayPublicKey:        "pk_test",
		GatewaySecretHash:       "test-secret-hash",
		JWTSecret:               "test-jwt-secret",
		MaxWalletBalance:        dec("50000"),
		MinTopUp:                dec("1000"),
		DeliveryCommissionRate:  dec("0.85"),
		FoodCommissionRate:      dec("0.85"),
		LaundryCommissionRate:   dec("0.85"),
		ProductCommissionRate:   dec("0.90"),
		AgreementCommissionRate: dec("0.025"),
		BaseDeliveryFee:         dec("500"),
		DeliveryFeePerKm:        dec("100"),
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv, err := New(testConfig(), WithLogger(logging.New("error", "text")))
	require.NoError(t, err)
	return srv
}

func do(srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func login(t *testing.T, srv *Server, userID, role string) string {
	t.Helper()
	w := do(srv, http.MethodPost, "/api/v1/dev/login", "", gin.H{"user_id": userID, "role": role})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w := do(srv, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// readiness flips only once Run has started the workers
	w = do(srv, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	srv.ready.Store(true)
	w = do(srv, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(srv, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/api/v1/wallet", "/api/v1/orders", "/api/v1/agreements", "/api/v1/disputes"} {
		w := do(srv, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusUnauthorized, w.Code, "path %s", path)
	}

	w := do(srv, http.MethodGet, "/api/v1/wallet", "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWalletThroughTheStack(t *testing.T) {
	srv := newTestServer(t)
	token := login(t, srv, "user-1", "")

	w := do(srv, http.MethodGet, "/api/v1/wallet", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Wallet struct {
			UserID  string          `json:"user_id"`
			Balance decimal.Decimal `json:"balance"`
		} `json:"wallet"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "user-1", resp.Wallet.UserID)
	require.True(t, resp.Wallet.Balance.IsZero())
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	srv := newTestServer(t)
	user := login(t, srv, "user-1", "")
	admin := login(t, srv, "ops-1", "ADMIN")

	w := do(srv, http.MethodGet, "/api/v1/admin/settings/commissions", user, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = do(srv, http.MethodGet, "/api/v1/admin/settings/commissions", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Rates []struct {
			Kind       string          `json:"kind"`
			PayeeShare decimal.Decimal `json:"payee_share"`
		} `json:"rates"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Rates, 5)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook",
		bytes.NewBufferString(`{"event":"charge.completed"}`))
	req.Header.Set("verif-hash", "wrong")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCheckoutStagesIntent(t *testing.T) {
	srv := newTestServer(t)
	token := login(t, srv, "customer-1", "")

	w := do(srv, http.MethodPost, "/api/v1/payments/food/checkout", token, gin.H{
		"vendor_id": "vendor-1",
		"items":     []gin.H{{"name": "Jollof rice", "quantity": 2, "unit_price": "1500.00"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Payment struct {
			TxRef  string          `json:"tx_ref"`
			Amount decimal.Decimal `json:"amount"`
		} `json:"payment"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Regexp(t, `^FOOD-[0-9A-F]{12}$`, resp.Payment.TxRef)
	require.True(t, resp.Payment.Amount.Equal(dec("3000")))
}
