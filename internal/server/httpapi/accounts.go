package httpapi

import (
	"context"
	"net/http"

	"github.com/dmitrijs2005/otpkeeper/internal/logging"
	"github.com/dmitrijs2005/otpkeeper/internal/server/models"
	"github.com/dmitrijs2005/otpkeeper/internal/server/services"
	"github.com/gin-gonic/gin"
)

// CredentialAPI is implemented by *services.CredentialService.
type CredentialAPI interface {
	GetCredentials(ctx context.Context, accountID, callerID string) (*services.Credentials, error)
	SetAllowedUsers(ctx context.Context, accountID, requesterID string, userIDs []string) error
	ListAccessible(ctx context.Context, userID string) ([]models.AccountSummary, error)
	CreateAccount(ctx context.Context, ownerID string, in services.AccountInput) (*models.AccountSummary, error)
	UpdateAccount(ctx context.Context, accountID, requesterID string, in services.AccountInput) (*models.AccountSummary, error)
	DeleteAccount(ctx context.Context, accountID, requesterID string) error
}

// AccountHandler serves /api/accounts.
type AccountHandler struct {
	Service CredentialAPI
	Logger  logging.Logger
}

type accessBody struct {
	UserIDs []string `json:"userIds"`
}

func (h *AccountHandler) List(c *gin.Context) {
	userID, _ := UserIDFromContext(c)

	list, err := h.Service.ListAccessible(c.Request.Context(), userID)
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	respond(c, http.StatusOK, list)
}

func (h *AccountHandler) Create(c *gin.Context) {
	userID, _ := UserIDFromContext(c)

	var body services.AccountInput
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusBadRequest, "Invalid request")
		return
	}

	sum, err := h.Service.CreateAccount(c.Request.Context(), userID, body)
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	respond(c, http.StatusCreated, sum)
}

func (h *AccountHandler) Update(c *gin.Context) {
	userID, _ := UserIDFromContext(c)

	var body services.AccountInput
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusBadRequest, "Invalid request")
		return
	}

	sum, err := h.Service.UpdateAccount(c.Request.Context(), c.Param("id"), userID, body)
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	respond(c, http.StatusOK, sum)
}

func (h *AccountHandler) Delete(c *gin.Context) {
	userID, _ := UserIDFromContext(c)

	if err := h.Service.DeleteAccount(c.Request.Context(), c.Param("id"), userID); err != nil {
		writeError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Account deleted successfully"})
}

// Credentials always answers 200 for an existing account; callers without
// access receive placeholders.
func (h *AccountHandler) Credentials(c *gin.Context) {
	userID, _ := UserIDFromContext(c)

	creds, err := h.Service.GetCredentials(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	respond(c, http.StatusOK, creds)
}

// SetAccess replaces the account's grantees with the body's userIds.
func (h *AccountHandler) SetAccess(c *gin.Context) {
	userID, _ := UserIDFromContext(c)

	var body accessBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusBadRequest, "Invalid request")
		return
	}

	if err := h.Service.SetAllowedUsers(c.Request.Context(), c.Param("id"), userID, body.UserIDs); err != nil {
		writeError(c, h.Logger, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"id": c.Param("id"), "userIds": body.UserIDs})
}
