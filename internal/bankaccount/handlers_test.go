package bankaccount

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

func setupRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/v1")
	g.Use(func(c *gin.Context) {
		if o := c.GetHeader("X-Test-Owner"); o != "" {
			auth.SetIdentity(c, auth.Identity{OwnerID: o, Role: auth.RoleVendor})
		}
		c.Next()
	})
	g.Use(auth.RequireAuth())
	NewHandler(newService(), nil).RegisterProtectedRoutes(g)
	return r
}

func request(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-Owner", owner)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateListDelete(t *testing.T) {
	r := setupRouter(t)

	w := request(r, http.MethodPost, "/v1/bank-accounts", gin.H{
		"bankName": "GTBank", "accountNumber": "0123456789", "accountName": "Ada Obi",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Account Account `json:"account"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.True(t, created.Account.IsDefault)

	w = request(r, http.MethodPost, "/v1/bank-accounts", gin.H{
		"bankName": "GTBank", "accountNumber": "12345", "accountName": "Ada Obi",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = request(r, http.MethodPost, "/v1/bank-accounts", gin.H{
		"bankName": "Access", "accountNumber": "9876543210", "accountName": "Ada Obi",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = request(r, http.MethodDelete, "/v1/bank-accounts/"+created.Account.ID, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = request(r, http.MethodGet, "/v1/bank-accounts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Accounts []Account `json:"accounts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Accounts, 2)
	assert.Equal(t, created.Account.ID, list.Accounts[0].ID, "default is listed first")

	w = request(r, http.MethodPost, "/v1/bank-accounts/"+list.Accounts[1].ID+"/default", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = request(r, http.MethodDelete, "/v1/bank-accounts/"+created.Account.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = request(r, http.MethodDelete, "/v1/bank-accounts/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_MalformedIDIsNotFound(t *testing.T) {
	r := setupRouter(t)

	w := request(r, http.MethodDelete, "/v1/bank-accounts/abc", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())

	w = request(r, http.MethodPost, "/v1/bank-accounts/abc/default", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
}
