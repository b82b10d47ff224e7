package domain

import (
	"errors"
	"html"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

// NewNotification is the input accepted by the store when creating a
// notification. It is validated before anything is written.
type NewNotification struct {
	UserID  string           `validate:"required,max=64"`
	Type    NotificationType `validate:"required,oneof=order event review comment system voucher loyalty"`
	Title   string           `validate:"required,max=255"`
	Message string           `validate:"required"`
}

// FieldError names the first field that failed validation and the rule it broke.
type FieldError struct {
	Field string
	Rule  string
}

func (e FieldError) Error() string {
	return "field '" + e.Field + "' failed '" + e.Rule + "'"
}

// validate is initialised once at package load; the validator caches struct
// metadata and is safe for concurrent use.
var validate = validator.New(validator.WithRequiredStructEnabled())

// markup drops every tag. Titles and messages are plain text; clients render
// them in browsers and native views alike.
var markup = bluemonday.StrictPolicy()

// Normalize strips markup, trims surrounding whitespace and applies NFC to
// the textual fields so length checks count what users actually see. Type is
// left exactly as given: "ORDER" or " order" must fail validation.
func (n NewNotification) Normalize() NewNotification {
	n.UserID = strings.TrimSpace(n.UserID)
	n.Title = plainText(n.Title)
	n.Message = plainText(n.Message)
	return n
}

// plainText removes tags and undoes the entity escaping the sanitizer adds,
// so "Fish & Chips" survives unchanged.
func plainText(s string) string {
	return norm.NFC.String(strings.TrimSpace(html.UnescapeString(markup.Sanitize(s))))
}

// Validate checks n against the notification invariants. The returned error,
// when non-nil, is a FieldError for the first offending field.
func (n NewNotification) Validate() error {
	err := validate.Struct(n)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		return FieldError{Field: lowerFirst(ve[0].Field()), Rule: ve[0].Tag()}
	}
	return err
}

func lowerFirst(s string) string {
	switch s {
	case "UserID":
		return "userId"
	case "":
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
