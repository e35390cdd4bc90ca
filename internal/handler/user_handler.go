package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/session-auth-api/pkg/response"
)

type accountService interface {
	DeleteAccount(ctx context.Context, userID string) error
}

// UserHandler handles account administration endpoints.
type UserHandler struct {
	service accountService
}

// NewUserHandler creates a new user handler.
func NewUserHandler(svc accountService) *UserHandler {
	return &UserHandler{service: svc}
}

// Delete godoc
// @Summary Delete user
// @Description Delete an account together with all of its refresh tokens
// @Tags Users
// @Security BearerAuth
// @Param id path string true "User ID"
// @Success 204
// @Failure 401 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /users/{id} [delete]
func (h *UserHandler) Delete(c *gin.Context) {
	if err := h.service.DeleteAccount(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
