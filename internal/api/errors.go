package api

import (
	"errors"
	"net/http"

	apperrors "skyfi-billing/internal/common/errors"
	"skyfi-billing/internal/store"

	"github.com/labstack/echo/v4"
)

type errorBody struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
	Details string              `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// StatusFor maps an error code to the HTTP status callers see.
func StatusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeValidation, apperrors.ErrCodeInvalidPackage:
		return http.StatusBadRequest
	case apperrors.ErrCodeDuplicatePurchase:
		return http.StatusConflict
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeConfiguration:
		return http.StatusServiceUnavailable
	case apperrors.ErrCodePaymentFailed, apperrors.ErrCodePaymentTimeout:
		return http.StatusPaymentRequired
	case apperrors.ErrCodeGatewayRejected, apperrors.ErrCodeGatewayAuthFailure,
		apperrors.ErrCodeGatewayUnavailable, apperrors.ErrCodeGatewayNotFound:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c echo.Context, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		err = apperrors.NewNotFoundError("resource", "")
	}
	se := apperrors.Normalize(err)
	body := errorBody{Code: se.Code, Message: se.Message}
	if se.Code == apperrors.ErrCodeValidation || se.Code == apperrors.ErrCodeConfiguration {
		body.Details = se.Details
	}
	return c.JSON(StatusFor(se.Code), errorResponse{Error: body})
}

func notConfigured(c echo.Context, component string) error {
	return respondError(c, apperrors.NewConfigurationError(component))
}
