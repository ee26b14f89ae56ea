package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tourdesk/reservation-backend/internal/middleware"
	"github.com/tourdesk/reservation-backend/internal/models"
)

// ErrorBody is the error half of the response envelope
type ErrorBody struct {
	Code    models.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

// Envelope wraps every API response
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

func respondOK(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Envelope{Success: true, Data: data})
}

func respondErrorCode(c *gin.Context, status int, code models.ErrorCode, message string) {
	c.JSON(status, Envelope{Success: false, Error: &ErrorBody{Code: code, Message: message}})
}

// respondError maps a domain error onto its HTTP status. Errors without a
// domain code are logged and reported as INTERNAL_ERROR so SQL and gateway
// messages never reach clients.
func respondError(c *gin.Context, logger *logrus.Logger, err error) {
	var appErr *models.AppError
	if !errors.As(err, &appErr) {
		logger.WithError(err).WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		}).Error("Request failed")
		respondErrorCode(c, http.StatusInternalServerError, models.ErrCodeInternal, "An internal error occurred")
		return
	}

	if appErr.Err != nil {
		logger.WithError(appErr.Err).WithField("code", appErr.Code).Warn("Request failed with wrapped cause")
	}
	respondErrorCode(c, statusForCode(appErr.Code), appErr.Code, appErr.Message)
}

func statusForCode(code models.ErrorCode) int {
	switch code {
	case models.ErrCodeSlotNotFound:
		return http.StatusNotFound
	case models.ErrCodeInvalidSignature, models.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case models.ErrCodeForbidden:
		return http.StatusForbidden
	case models.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	}

	switch code.Category() {
	case models.CategoryValidation:
		return http.StatusBadRequest
	case models.CategoryCapacity, models.CategoryState:
		return http.StatusConflict
	case models.CategoryNotFound:
		return http.StatusNotFound
	case models.CategoryIntegrity:
		return http.StatusUnprocessableEntity
	case models.CategoryGateway:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// buyerID returns the authenticated user or writes 401
func buyerID(c *gin.Context) (uuid.UUID, bool) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		respondErrorCode(c, http.StatusUnauthorized, models.ErrCodeUnauthorized, "user not authenticated")
		return uuid.Nil, false
	}
	return userCtx.UserID, true
}

// uuidParam parses a path parameter or writes 400
func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		respondErrorCode(c, http.StatusBadRequest, models.ErrCodeInvalidRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
