package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_FallsBackToStatusText(t *testing.T) {
	assert.Equal(t, "Bad Gateway", Error(http.StatusBadGateway, "").Message)
	assert.Equal(t, "plan not found", Error(http.StatusBadRequest, "plan not found").Message)
	assert.False(t, Error(http.StatusBadRequest, "x").Success)
}

func TestAbortJSON_StopsChain(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	reached := false
	r.GET("/", func(c *gin.Context) {
		AbortJSON(c, http.StatusForbidden, "nope")
	}, func(c *gin.Context) {
		reached = true
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.False(t, reached)
	assert.Equal(t, http.StatusForbidden, w.Code)
	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, Response{Success: false, Message: "nope"}, body)
}

func TestSuccessJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	SuccessJSON(c, gin.H{"outTradeNo": "plan_monthly_u1_1"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"message":"success","data":{"outTradeNo":"plan_monthly_u1_1"}}`, w.Body.String())
}
