package conversation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/portfolio-rag/backend/internal/errors"
)

const (
	MaxSessionKeyLength = 128
	DefaultMaxQueryLen  = 2000
)

var sessionKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._:\-]+$`)

var (
	validate *validator.Validate
	once     sync.Once
)

func getValidator() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("sessionkey", func(fl validator.FieldLevel) bool {
			return sessionKeyPattern.MatchString(fl.Field().String())
		})
		_ = validate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
	})
	return validate
}

type sessionKeyInput struct {
	SessionKey string `validate:"required,max=128,sessionkey"`
}

// ValidateSessionKey rejects keys that are empty, too long or contain
// characters outside [A-Za-z0-9._:-].
func ValidateSessionKey(key string) error {
	return validateStruct(sessionKeyInput{SessionKey: key})
}

func validateQuery(query string, maxLen int) error {
	if strings.TrimSpace(query) == "" {
		return apperrors.InvalidInput("query must not be empty")
	}
	if maxLen > 0 && utf8.RuneCountInString(query) > maxLen {
		return apperrors.InvalidInput("query exceeds %d characters", maxLen)
	}
	return nil
}

func validateStruct(payload any) error {
	err := getValidator().Struct(payload)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return apperrors.InvalidInput("invalid request: %s", err.Error())
	}

	messages := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		messages = append(messages, fieldMessage(fieldErr))
	}
	return apperrors.InvalidInput("%s", strings.Join(messages, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "notblank":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "sessionkey":
		return fmt.Sprintf("%s may only contain letters, digits and . _ : -", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed on the '%s' rule", fe.Field(), fe.Tag())
	}
}
