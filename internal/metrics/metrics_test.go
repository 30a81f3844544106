package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware_CountsByRouteAndStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	gin.SetMode(gin.TestMode)
	e := gin.New()
	e.Use(m.Middleware())
	e.GET("/tickets/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tickets/42", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
	// несматченный маршрут получает общий лейбл, а не сырой путь
	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	families, err := reg.Gather()
	require.NoError(t, err)

	counts := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "live_service_http_requests_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			var path, status string
			for _, l := range metric.GetLabel() {
				switch l.GetName() {
				case "path":
					path = l.GetValue()
				case "status":
					status = l.GetValue()
				}
			}
			counts[path+"|"+status] = metric.GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(3), counts["/tickets/:id|200"])
	assert.Equal(t, float64(1), counts["unmatched|404"])
}
