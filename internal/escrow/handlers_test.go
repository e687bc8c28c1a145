package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safehold/safehold/internal/auth"
)

var testIdentities = map[string]auth.Identity{
	client.ID:   {OwnerID: client.ID, Email: client.Email, Role: auth.RoleClient},
	vendor.ID:   {OwnerID: vendor.ID, Email: vendor.Email, Role: auth.RoleVendor},
	admin.ID:    {OwnerID: admin.ID, Email: admin.Email, Role: auth.RoleAdmin},
	stranger.ID: {OwnerID: stranger.ID, Email: stranger.Email, Role: auth.RoleClient},
}

func setupRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	h := NewHandler(f.svc, nil)

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		if id, ok := testIdentities[c.GetHeader("X-Test-Owner")]; ok {
			auth.SetIdentity(c, id)
		}
		c.Next()
	})
	v1.Use(auth.RequireAuth())
	h.RegisterProtectedRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("/admin", auth.RequireRole(auth.RoleAdmin)))
	return r, f
}

func do(r *gin.Engine, method, path, owner string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set("X-Test-Owner", owner)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type escrowResponse struct {
	Escrow struct {
		ID          string `json:"id"`
		Status      Status `json:"status"`
		Amount      string `json:"amount"`
		PlatformFee string `json:"platformFee"`
		VendorID    string `json:"vendorId"`
	} `json:"escrow"`
	Next []Status `json:"next"`
}

func decodeEscrow(t *testing.T, w *httptest.ResponseRecorder) escrowResponse {
	t.Helper()
	var resp escrowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func createViaAPI(t *testing.T, r *gin.Engine) string {
	t.Helper()
	w := do(r, http.MethodPost, "/v1/escrows", client.ID, gin.H{
		"vendorEmail": vendor.Email,
		"title":       "Logo design",
		"amount":      "350000.00",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decodeEscrow(t, w)
	assert.Equal(t, "5250.00", resp.Escrow.PlatformFee)
	return resp.Escrow.ID
}

func TestHandler_FullLifecycle(t *testing.T) {
	r, f := setupRouter(t)
	f.deposit(t, client.ID, naira(400_000))
	id := createViaAPI(t, r)

	w := do(r, http.MethodGet, "/v1/escrows/"+id, vendor.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []Status{StatusFunded, StatusCancelled}, decodeEscrow(t, w).Next)

	steps := []struct {
		path  string
		owner string
		want  Status
	}{
		{"/fund", client.ID, StatusFunded},
		{"/accept", vendor.ID, StatusFunded},
		{"/start", vendor.ID, StatusInProgress},
		{"/submit", vendor.ID, StatusPendingRelease},
		{"/release", client.ID, StatusCompleted},
	}
	for _, s := range steps {
		w := do(r, http.MethodPost, "/v1/escrows/"+id+s.path, s.owner, nil)
		require.Equal(t, http.StatusOK, w.Code, "%s: %s", s.path, w.Body.String())
		assert.Equal(t, s.want, decodeEscrow(t, w).Escrow.Status, s.path)
	}
	assert.Equal(t, naira(350_000), f.balance(t, vendor.ID))

	w = do(r, http.MethodGet, "/v1/escrows/"+id+"/events", client.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events struct {
		Events []Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	assert.Len(t, events.Events, 6)
}

func TestHandler_InvalidTransitionCarriesStates(t *testing.T) {
	r, _ := setupRouter(t)
	id := createViaAPI(t, r)

	w := do(r, http.MethodPost, "/v1/escrows/"+id+"/release", client.ID, nil)
	require.Equal(t, http.StatusConflict, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "invalid_transition", body["error"])
	assert.Equal(t, "pending_funding", body["currentStatus"])
	assert.Equal(t, "completed", body["requestedStatus"])
}

func TestHandler_ErrorStatuses(t *testing.T) {
	r, _ := setupRouter(t)
	id := createViaAPI(t, r)

	w := do(r, http.MethodPost, "/v1/escrows/"+id+"/fund", client.ID, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "insufficient funds")

	w = do(r, http.MethodPost, "/v1/escrows/"+id+"/fund", vendor.ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodGet, "/v1/escrows/"+id, stranger.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodGet, "/v1/escrows/not-a-uuid", client.ID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/v1/escrows/"+id, "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/v1/escrows", client.ID, gin.H{"title": "missing fields"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/v1/escrows/"+id+"/dispute", client.ID, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_DisputeAndAdminRefund(t *testing.T) {
	r, f := setupRouter(t)
	f.deposit(t, client.ID, naira(400_000))
	id := createViaAPI(t, r)
	require.Equal(t, http.StatusOK, do(r, http.MethodPost, "/v1/escrows/"+id+"/fund", client.ID, nil).Code)

	w := do(r, http.MethodPost, "/v1/escrows/"+id+"/dispute", client.ID, gin.H{"reason": "No response from vendor"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StatusDisputed, decodeEscrow(t, w).Escrow.Status)

	w = do(r, http.MethodPost, "/v1/admin/escrows/"+id+"/refund", client.ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "admin routes need the admin role")

	w = do(r, http.MethodGet, "/v1/admin/escrows?status=disputed", admin.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Items []Escrow `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)

	w = do(r, http.MethodPost, "/v1/admin/escrows/"+id+"/resolve", admin.ID, gin.H{"resolution": "funded"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/v1/admin/escrows/"+id+"/refund", admin.ID, gin.H{"note": "Vendor never started"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StatusRefunded, decodeEscrow(t, w).Escrow.Status)
	assert.Equal(t, naira(394_750), f.balance(t, client.ID))
}

func TestHandler_ListShowsBothSides(t *testing.T) {
	r, _ := setupRouter(t)
	createViaAPI(t, r)
	createViaAPI(t, r)

	for _, owner := range []string{client.ID, vendor.ID} {
		w := do(r, http.MethodGet, "/v1/escrows?limit=1", owner, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var page struct {
			Items      []Escrow `json:"items"`
			NextCursor string   `json:"nextCursor"`
			HasMore    bool     `json:"hasMore"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
		assert.Len(t, page.Items, 1, owner)
		assert.True(t, page.HasMore, owner)

		w = do(r, http.MethodGet, "/v1/escrows?limit=1&cursor="+page.NextCursor, owner, nil)
		require.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
		assert.Len(t, page.Items, 1, owner)
		assert.False(t, page.HasMore, owner)
	}

	w := do(r, http.MethodGet, "/v1/escrows", stranger.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"items":[]`)
}
