// Package httpapi exposes the credential and mailbox services over HTTP.
package httpapi

import (
	"net/http"
	"time"

	"github.com/dmitrijs2005/otpkeeper/internal/logging"
	"github.com/gin-gonic/gin"
)

const (
	credentialLimit  = 5
	credentialWindow = time.Minute
)

// Deps are the services the router dispatches to.
type Deps struct {
	Credentials CredentialAPI
	Mailboxes   MailboxAPI
	JWTSecret   []byte
	ClientURL   string
	// Realtime serves the WebSocket upgrade; it authenticates on its own.
	Realtime gin.HandlerFunc
	Logger   logging.Logger
}

// NewRouter mounts the health check, the OAuth callback, the authenticated
// /api group and, when set, the WebSocket endpoint.
func NewRouter(deps Deps) *gin.Engine {
	logger := deps.Logger.With("module", "http")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	accounts := &AccountHandler{Service: deps.Credentials, Logger: logger}
	mailboxes := &MailboxHandler{Service: deps.Mailboxes, ClientURL: deps.ClientURL, Logger: logger}

	// The provider redirects the browser here; the sealed state carries the user.
	r.GET("/api/mailboxes/callback", mailboxes.Callback)

	api := r.Group("/api")
	api.Use(RequireAuth(deps.JWTSecret))

	api.GET("/accounts", accounts.List)
	api.POST("/accounts", accounts.Create)
	api.PUT("/accounts/:id", accounts.Update)
	api.DELETE("/accounts/:id", accounts.Delete)
	api.GET("/accounts/:id/credentials", RateLimit(NewRateLimiter(credentialLimit, credentialWindow)), accounts.Credentials)
	api.PUT("/accounts/:id/access", accounts.SetAccess)

	api.POST("/mailboxes/link", mailboxes.Link)
	api.GET("/mailboxes", mailboxes.List)
	api.DELETE("/mailboxes/:id", mailboxes.Unlink)
	api.PUT("/mailboxes/:id/primary", mailboxes.SetPrimary)

	if deps.Realtime != nil {
		r.GET("/ws", deps.Realtime)
	}

	return r
}
