package router

import (
	"net/http"
	"strings"

	"github.com/JBD-GER/sepana-live-service/api"
	"github.com/JBD-GER/sepana-live-service/internal/auth"
	"github.com/JBD-GER/sepana-live-service/internal/handler"
	"github.com/JBD-GER/sepana-live-service/internal/metrics"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

const (
	pathHealth  = "/health"
	pathReady   = "/ready"
	pathMetrics = "/metrics"
	pathSwagger = "/swagger"
)

func New(live *handler.LiveHandler, resolver *auth.Resolver, m *metrics.HTTPMetrics) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(m.Middleware())
	r.Use(resolver.Authenticate())

	r.GET(pathHealth, handler.Health)
	r.GET(pathReady, handler.Ready)
	r.GET(pathMetrics, gin.WrapH(m.Handler()))
	r.GET(pathSwagger, func(c *gin.Context) { c.Redirect(http.StatusFound, pathSwagger+"/") })
	r.GET(pathSwagger+"/*any", func(c *gin.Context) {
		if strings.TrimPrefix(c.Param("any"), "/") == "openapi.json" {
			c.Data(http.StatusOK, "application/json", api.OpenAPISpec)
			return
		}
		if strings.TrimPrefix(c.Param("any"), "/") == "" {
			c.Request.URL.Path = pathSwagger + "/index.html"
			c.Request.RequestURI = pathSwagger + "/index.html"
		}
		ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/swagger/openapi.json"))(c)
	})

	v1 := r.Group("/api/v1")
	{
		// клиент или гость
		v1.POST("/live/join", live.Join)
		v1.GET("/live/tickets/:id", live.Get)
		v1.GET("/live/tickets/:id/watch", live.Watch)
		v1.POST("/live/tickets/:id/credentials", live.Credentials)
		v1.POST("/live/tickets/:id/end", live.End)
		v1.GET("/live/cases/:id", live.CaseSnapshot)
		v1.POST("/live/appointments/:id/presence", live.AppointmentPresence)

		// только консультант
		advisor := v1.Group("", auth.RequireRole(auth.RoleAdvisor))
		{
			advisor.POST("/live/tickets/:id/accept", live.Accept)
			advisor.PUT("/live/presence", live.SetPresence)
			advisor.GET("/live/staffing", live.Staffing)
		}
	}

	return r
}
