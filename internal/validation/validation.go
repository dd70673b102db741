// Package validation provides input validation helpers for the payment API.
package validation

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sagapay/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// Error represents a single field validation error
type Error struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is a collection of validation errors
type Errors []Error

// Error implements the error interface
func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their errors
func Validate(validators ...func() *Error) Errors {
	var errs Errors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *Error {
	return func() *Error {
		if strings.TrimSpace(value) == "" {
			return &Error{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *Error {
	return func() *Error {
		if len(value) > max {
			return &Error{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidAmount checks if a value is a positive decimal amount
func ValidAmount(field, value string) func() *Error {
	return func() *Error {
		if value == "" {
			return nil // Use Required for required fields
		}
		v, ok := money.Parse(value)
		if !ok {
			return &Error{Field: field, Message: "invalid amount format"}
		}
		if v.Sign() <= 0 {
			return &Error{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// ValidCurrency checks if a value is a supported ISO 4217 code
func ValidCurrency(field, value string) func() *Error {
	return func() *Error {
		if value == "" {
			return nil
		}
		switch strings.ToUpper(value) {
		case "USD", "EUR", "GBP":
			return nil
		}
		return &Error{Field: field, Message: "unsupported currency"}
	}
}

// AmountBetween checks that an amount falls within [min, max] inclusive
func AmountBetween(field, value, min, max string) func() *Error {
	return func() *Error {
		if value == "" {
			return nil
		}
		if _, ok := money.Parse(value); !ok {
			return &Error{Field: field, Message: "invalid amount format"}
		}
		if money.Cmp(value, min) < 0 {
			return &Error{Field: field, Message: "below minimum amount"}
		}
		if money.Cmp(value, max) > 0 {
			return &Error{Field: field, Message: "above maximum amount"}
		}
		return nil
	}
}
