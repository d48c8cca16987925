package http

import (
	"context"
	"net/http"

	"github.com/dkeye/Office/internal/adapters/signal"
	"github.com/dkeye/Office/internal/app"
	"github.com/dkeye/Office/internal/config"
	"github.com/dkeye/Office/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const clientTokenCookie = "ct"

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware identifies a browser or agent by the ct cookie,
// issuing a fresh uuid when it is missing or malformed.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie(clientTokenCookie)
		if _, err := uuid.Parse(token); err != nil {
			token = genClientToken()
			c.SetCookie(clientTokenCookie, token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, orch *app.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("OfficeSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	ctrl := signal.NewSignalWSController(orch, signal.NewMoveLimiterRate(cfg.Signal.MoveRate, cfg.Signal.MoveBurst))
	if cfg.Signal.SendBuffer > 0 {
		ctrl.SendBuffer = cfg.Signal.SendBuffer
	}
	if cfg.ReadLimit > 0 {
		ctrl.ReadLimit = cfg.ReadLimit
	}
	if cfg.PingPeriod > 0 {
		ctrl.PingPeriod = cfg.PingPeriod
	}

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	api.GET("/offices", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"offices": orch.Offices.List()})
	})

	api.GET("/offices/:name/participants", func(c *gin.Context) {
		name := domain.OfficeName(c.Param("name"))
		members, ok := orch.Participants(name)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "office not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"office": name, "participants": members})
	})

	api.DELETE("/offices/:name", func(c *gin.Context) {
		name := domain.OfficeName(c.Param("name"))
		if _, ok := orch.Offices.Get(name); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "office not found"})
			return
		}
		orch.EvictOffice(c.Request.Context(), name)
		log.Info().Str("module", "adapters.http").Str("office", string(name)).Msg("office evicted")
		c.Status(http.StatusNoContent)
	})

	return r
}
