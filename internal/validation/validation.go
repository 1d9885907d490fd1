// Package validation provides input validation for the Paygate API.
package validation

import (
	"math/big"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxNameLength is the maximum length for receiver display names.
const MaxNameLength = 200

// AmountDecimals is the number of decimal places carried by on-ledger
// amounts. API amounts like "100" or "2.5" are scaled by 10^6 into
// integer base units before any settlement math touches them.
const AmountDecimals = 6

// accountRegex validates account identifiers: lowercase alphanumerics
// plus underscore/hyphen, 3-64 chars, starting with a letter or digit.
var accountRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{2,63}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAccount checks if a string is a well-formed account identifier.
func IsValidAccount(account string) bool {
	return accountRegex.MatchString(account)
}

// SanitizeAccount normalizes an account identifier.
func SanitizeAccount(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}

// SanitizeString trims whitespace, limits length, and strips null bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ParseAmount converts a positive decimal amount string into integer base
// units (AmountDecimals places). Returns nil, false on malformed input,
// non-positive values, or sub-base-unit precision.
func ParseAmount(s string) (*big.Int, bool) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, false
	}
	if d.Sign() <= 0 {
		return nil, false
	}
	scaled := d.Shift(AmountDecimals)
	if !scaled.IsInteger() {
		return nil, false
	}
	return scaled.BigInt(), true
}

// FormatAmount renders integer base units back into a decimal string.
func FormatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -AmountDecimals).String()
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs the given validators and collects their errors.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAccount checks if a field is a well-formed account identifier.
// Empty values pass; combine with Required for required fields.
func ValidAccount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidAccount(value) {
			return &ValidationError{Field: field, Message: "must be a valid account id (3-64 lowercase alphanumerics)"}
		}
		return nil
	}
}

// ValidAmount checks if a field parses as a positive decimal amount.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, ok := ParseAmount(value); !ok {
			return &ValidationError{Field: field, Message: "must be a positive decimal amount"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// AccountParamMiddleware validates the :account URL parameter on routes
// that use it. No-op when the param is absent.
func AccountParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		account := c.Param("account")
		if account != "" && !IsValidAccount(account) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_account",
				"message": "account must be a valid account id (3-64 lowercase alphanumerics)",
			})
			return
		}
		c.Next()
	}
}
