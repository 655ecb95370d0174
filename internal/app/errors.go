package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

const (
	CodeNotFound       = "NOT_FOUND"
	CodeAuthentication = "AUTHENTICATION_REQUIRED"
	CodeAuthorization  = "AUTHORIZATION_ERROR"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeValidation     = "VALIDATION_ERROR"
)

func notFound(message string) *DomainError {
	if message == "" {
		message = "Resource not found"
	}
	return domainError(http.StatusNotFound, CodeNotFound, message, nil)
}

func authenticationError(message string) *DomainError {
	if message == "" {
		message = "Authentication required"
	}
	return domainError(http.StatusUnauthorized, CodeAuthentication, message, nil)
}

func authorizationError(message string) *DomainError {
	if message == "" {
		message = "Authorization error"
	}
	return domainError(http.StatusForbidden, CodeAuthorization, message, nil)
}

func invalidRequest(message string) *DomainError {
	return domainError(http.StatusBadRequest, CodeInvalidRequest, message, nil)
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeValidation, message, nil)
}
