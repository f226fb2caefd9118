package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"ums-aaa/internal/models"
	"ums-aaa/internal/services/admin"
	"ums-aaa/internal/services/billing"
	"ums-aaa/internal/services/gateway"
	"ums-aaa/internal/services/ledger"
	"ums-aaa/internal/services/nas"
	"ums-aaa/internal/services/policy"
	"ums-aaa/internal/services/session"
)

const (
	testSecretKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	radiusToken   = "rest-token"
)

type apiFixture struct {
	router *gin.Engine
	policy *policy.Service
	token  string
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	logger := zap.NewNop()

	policySvc := policy.New(policy.NewMemoryStore(), logger, policy.Config{BcryptCost: bcrypt.MinCost})
	ledgerSvc := ledger.New(ledger.NewMemoryStore(), logger)
	billingSvc := billing.New(billing.NewMemoryStore(), logger, billing.Config{
		DefaultTariff: billing.Tariff{PerMinute: 10},
	})
	sessions := session.New(ledgerSvc, nil, nil, logger, session.Config{})
	gw := gateway.New(policySvc, sessions, billingSvc, ledgerSvc, nil, logger, gateway.Config{})

	sealer, err := nas.NewSealerFromHex(testSecretKey)
	require.NoError(t, err)
	nasSvc := nas.New(nas.NewMemoryStore(), sealer, logger, nas.Config{})

	admins := admin.New(admin.NewMemoryStore(), logger, admin.Config{JWTSecret: "jwt-secret", BcryptCost: bcrypt.MinCost})
	created, err := admins.Bootstrap(ctx, "root", "correct-horse")
	require.NoError(t, err)
	require.True(t, created)

	f := &apiFixture{
		policy: policySvc,
		router: NewRouter(Deps{
			Policy:       policySvc,
			Sessions:     sessions,
			Ledger:       ledgerSvc,
			Billing:      billingSvc,
			Subscription: billing.NewSubscriptionService(billingSvc, logger, billing.SubscriptionConfig{}),
			NAS:          nasSvc,
			Admins:       admins,
			Gateway:      gw,
			RadiusToken:  radiusToken,
			Debug:        true,
			Logger:       logger,
		}),
	}

	w := f.do(t, http.MethodPost, "/api/v1/auth/login", gin.H{"username": "root", "password": "correct-horse"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &login))
	f.token = login.Token
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	if strings.HasPrefix(path, "/radius/") {
		req.Header.Set(radiusTokenHeader, radiusToken)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	f := newAPI(t)
	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	f := newAPI(t)
	f.token = ""
	w := f.do(t, http.MethodGet, "/api/v1/mac-rules", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	f.token = "garbage"
	w = f.do(t, http.MethodGet, "/api/v1/mac-rules", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	f := newAPI(t)
	w := f.do(t, http.MethodPost, "/api/v1/auth/login", gin.H{"username": "root", "password": "nope-nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMacRuleValidationMapsTo400(t *testing.T) {
	f := newAPI(t)

	w := f.do(t, http.MethodPost, "/api/v1/mac-rules", gin.H{"mac_address": "not-a-mac", "action": "block"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, models.CodeInvalidMacFormat, decode(t, w)["code"])

	w = f.do(t, http.MethodPost, "/api/v1/mac-rules", gin.H{"mac_address": "aa-bb-cc-dd-ee-ff", "action": "block"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", decode(t, w)["mac_address"])

	w = f.do(t, http.MethodGet, "/api/v1/mac-rules?active=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])
}

func TestRouterSecretNeverReturned(t *testing.T) {
	f := newAPI(t)

	w := f.do(t, http.MethodPost, "/api/v1/routers", gin.H{
		"name": "hq-ap", "ip_address": "10.0.0.1", "shared_secret": "s3cret",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "s3cret")
	assert.Equal(t, models.RedactedSecret, decode(t, w)["shared_secret"])

	w = f.do(t, http.MethodGet, "/api/v1/routers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "s3cret")

	w = f.do(t, http.MethodGet, "/api/v1/export/routers.csv", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	assert.True(t, strings.HasPrefix(w.Body.String(), "Name,IP Address"))
	assert.NotContains(t, w.Body.String(), "s3cret")
}

func TestAccountTopUpAndReplay(t *testing.T) {
	f := newAPI(t)

	w := f.do(t, http.MethodPost, "/api/v1/accounts", gin.H{"customer": "Alice", "account_type": "prepaid"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode(t, w)["id"].(string)

	topup := gin.H{"amount": 500, "method": "mpesa", "reference": "MP-1"}
	w = f.do(t, http.MethodPost, "/api/v1/accounts/"+id+"/topup", topup)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 500, decode(t, w)["current_balance"])

	w = f.do(t, http.MethodPost, "/api/v1/accounts/"+id+"/topup", topup)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 500, decode(t, w)["current_balance"])

	topup["amount"] = 700
	w = f.do(t, http.MethodPost, "/api/v1/accounts/"+id+"/topup", topup)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, models.CodeDuplicateReference, decode(t, w)["code"])

	w = f.do(t, http.MethodPost, "/api/v1/accounts/"+id+"/charge", gin.H{"amount": 9000})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, models.CodeInsufficientBalance, decode(t, w)["code"])

	w = f.do(t, http.MethodGet, "/api/v1/accounts/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRadiusRESTAuthorizeAndDisconnect(t *testing.T) {
	f := newAPI(t)
	ctx := context.Background()

	_, err := f.policy.UpsertBandwidthProfile(ctx, models.BandwidthProfile{
		Name: "basic", DownloadRate: "2M", UploadRate: "1M", Priority: 5, Active: true,
	})
	require.NoError(t, err)
	_, err = f.policy.SaveUserGroup(ctx, models.UserGroup{Name: "home", DeviceLimit: 2, Active: true})
	require.NoError(t, err)
	_, err = f.policy.SaveSubscriber(ctx, models.Subscriber{
		Username: "bob", Group: "home", Profile: "basic", Active: true,
	}, "builder1")
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/radius/authorize", gin.H{
		"username": "bob", "password": "wrong", "nas_identifier": "hq-ap", "calling_station_id": "aa:bb:cc:dd:ee:01",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "reject", decode(t, w)["result"])

	w = f.do(t, http.MethodPost, "/radius/authorize", gin.H{
		"username": "bob", "password": "builder1", "nas_identifier": "hq-ap", "calling_station_id": "aa:bb:cc:dd:ee:02",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var resp AuthorizeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "accept", resp.Result, resp.Message)
	assert.Equal(t, "1M/2M", resp.Attributes["Mikrotik-Rate-Limit"])
	sessionID := resp.Attributes["Class"]
	require.NotEmpty(t, sessionID)

	w = f.do(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = f.do(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/disconnect", gin.H{"reason": "test"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/api/v1/sessions/"+sessionID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/session-logs?username=bob&status=OK", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = f.do(t, http.MethodGet, "/api/v1/failed-logins", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])
}

func TestRadiusRESTNeedsToken(t *testing.T) {
	f := newAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/radius/accounting", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionLogsRejectBadDate(t *testing.T) {
	f := newAPI(t)
	w := f.do(t, http.MethodGet, "/api/v1/session-logs?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
