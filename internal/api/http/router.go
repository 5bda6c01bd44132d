package http

import (
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

type RouterDeps struct {
	AllowedOrigins []string
	Signaling      *SignalingController
	Guests         *GuestController
	Metrics        http.Handler
	// Connections reports the number of live connections for /healthz.
	Connections func() int
}

func SetupRouter(deps RouterDeps) *gin.Engine {
	router := gin.Default()
	router.Use(cors.New(corsConfig(deps.AllowedOrigins)))

	router.GET("/healthz", func(ctx *gin.Context) {
		body := gin.H{"status": "ok"}
		if deps.Connections != nil {
			body["connections"] = deps.Connections()
		}
		ctx.JSON(http.StatusOK, body)
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	if deps.Signaling != nil {
		router.GET("/ws", deps.Signaling.Connect)
	}

	api := router.Group("/api")

	if deps.Guests != nil {
		guests := api.Group("/guests")
		guests.GET("/online", deps.Guests.Online)
		guests.GET("/search", deps.Guests.Search)

		calls := api.Group("/calls")
		calls.POST("/invite", deps.Guests.SendInvite)
		calls.GET("/invites/:userID", deps.Guests.GetInvites)

		api.GET("/ice-servers", deps.Guests.ICEServers)
	}

	return router
}

func corsConfig(origins []string) cors.Config {
	config := cors.DefaultConfig()

	allowAll := len(origins) == 0
	list := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch o {
		case "":
		case "*":
			allowAll = true
		default:
			list = append(list, o)
		}
	}
	if allowAll || len(list) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = list
		config.AllowCredentials = true
	}

	config.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"Origin",
		"Accept",
	}
	config.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}
	return config
}
