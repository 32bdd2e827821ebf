package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/dmitrijs2005/otpkeeper/internal/common"
	"github.com/dmitrijs2005/otpkeeper/internal/logging"
	"github.com/dmitrijs2005/otpkeeper/internal/server/models"
	"github.com/gin-gonic/gin"
)

// MailboxAPI is implemented by *services.MailboxService.
type MailboxAPI interface {
	AuthURL(userID, redirectPath string) (string, error)
	Callback(ctx context.Context, code, state, providerErr string) (string, *models.MailboxView, error)
	List(ctx context.Context, userID string) ([]models.MailboxView, error)
	Unlink(ctx context.Context, userID, mailboxID string) error
	SetPrimary(ctx context.Context, userID, mailboxID string) error
}

// MailboxHandler serves /api/mailboxes and the OAuth callback.
type MailboxHandler struct {
	Service MailboxAPI
	// ClientURL is the web client origin the OAuth callback redirects to.
	ClientURL string
	Logger    logging.Logger
}

type linkBody struct {
	RedirectURL string `json:"redirectUrl"`
}

// Link returns the consent URL that starts linking a mailbox.
func (h *MailboxHandler) Link(c *gin.Context) {
	userID, _ := UserIDFromContext(c)

	var body linkBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			abort(c, http.StatusBadRequest, "Invalid request")
			return
		}
	}

	authURL, err := h.Service.AuthURL(userID, body.RedirectURL)
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authUrl": authURL})
}

// Callback is hit by the browser coming back from the provider. It always
// redirects to the web client, reporting the outcome in the query string.
func (h *MailboxHandler) Callback(c *gin.Context) {
	ctx := c.Request.Context()
	redirect, mb, err := h.Service.Callback(ctx, c.Query("code"), c.Query("state"), c.Query("error"))

	if redirect == "" {
		redirect = "/dashboard"
	}
	q := url.Values{}
	switch {
	case err == nil:
		h.Logger.Info(ctx, "mailbox link completed", "mailbox", mb.ID)
		q.Set("oauth_success", "true")
	case c.Query("error") != "" && !errors.Is(err, common.ErrInvalidState):
		q.Set("oauth_error", c.Query("error"))
	default:
		h.Logger.Warn(ctx, "mailbox link failed", "error", err)
		q.Set("oauth_error", callbackErrorCode(err))
	}

	c.Redirect(http.StatusFound, strings.TrimRight(h.ClientURL, "/")+redirect+"?"+q.Encode())
}

func callbackErrorCode(err error) string {
	switch {
	case errors.Is(err, common.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, common.ErrNoRefreshToken):
		return "no_refresh_token"
	default:
		return "authentication_failed"
	}
}

func (h *MailboxHandler) List(c *gin.Context) {
	userID, _ := UserIDFromContext(c)

	list, err := h.Service.List(c.Request.Context(), userID)
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": list})
}

func (h *MailboxHandler) Unlink(c *gin.Context) {
	userID, _ := UserIDFromContext(c)

	if err := h.Service.Unlink(c.Request.Context(), userID, c.Param("id")); err != nil {
		writeError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Mailbox unlinked successfully"})
}

func (h *MailboxHandler) SetPrimary(c *gin.Context) {
	userID, _ := UserIDFromContext(c)

	if err := h.Service.SetPrimary(c.Request.Context(), userID, c.Param("id")); err != nil {
		writeError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
