package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apierrors "trialguard/internal/errors"
)

// DefaultMaxBodySize caps request bodies decoded by the validator.
const DefaultMaxBodySize = 64 * 1024

// ValidationMiddleware decodes JSON request bodies and validates them using
// struct tags
type ValidationMiddleware struct {
	validator   *validator.Validate
	logger      *slog.Logger
	maxBodySize int64
}

// NewValidationMiddleware creates a new validation middleware
func NewValidationMiddleware(logger *slog.Logger) *ValidationMiddleware {
	if logger == nil {
		logger = slog.Default()
	}

	v := validator.New()
	// Use JSON tag names in error messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &ValidationMiddleware{
		validator:   v,
		logger:      logger.With(slog.String("component", "validation_middleware")),
		maxBodySize: DefaultMaxBodySize,
	}
}

// DecodeAndValidate reads the JSON body into v and validates it. Unknown
// fields are rejected.
func (m *ValidationMiddleware) DecodeAndValidate(r *http.Request, v interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return apierrors.New(http.StatusBadRequest, "EMPTY_BODY", "Request body is required")
	}

	dec := json.NewDecoder(io.LimitReader(r.Body, m.maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		m.logger.DebugContext(r.Context(), "failed to decode request body",
			slog.String("error", err.Error()),
			slog.String("request_id", GetRequestID(r.Context())),
		)
		if errors.Is(err, io.EOF) {
			return apierrors.New(http.StatusBadRequest, "EMPTY_BODY", "Request body is required")
		}
		return apierrors.InvalidRequestWithError(err)
	}

	return m.ValidateStruct(v)
}

// ValidateStruct validates a struct and returns validation errors
func (m *ValidationMiddleware) ValidateStruct(v interface{}) error {
	err := m.validator.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apierrors.InvalidRequestWithError(err)
	}

	validationErrors := make([]apierrors.ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		validationErrors = append(validationErrors, apierrors.ValidationError{
			Field:   fe.Field(),
			Message: formatValidationError(fe),
		})
	}
	return apierrors.NewValidationErrors(validationErrors)
}

// ContentTypeValidator ensures requests with a body declare an allowed type
func ContentTypeValidator(contentTypes ...string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodDelete {
				next.ServeHTTP(w, r)
				return
			}

			contentType := r.Header.Get("Content-Type")
			for _, allowed := range contentTypes {
				if strings.HasPrefix(contentType, allowed) {
					next.ServeHTTP(w, r)
					return
				}
			}

			problem := apierrors.NewProblemDetails(
				http.StatusUnsupportedMediaType,
				apierrors.TypeValidation,
				"Unsupported Media Type",
				fmt.Sprintf("Content-Type must be one of: %s", strings.Join(contentTypes, ", ")),
				r.URL.Path,
			).WithExtension("trace_id", GetRequestID(r.Context()))
			_ = render.Render(w, r, problem)
		})
	}
}

// formatValidationError formats validation error messages
func formatValidationError(err validator.FieldError) string {
	field := err.Field()
	param := err.Param()

	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "eq":
		return fmt.Sprintf("%s must be %s", field, param)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(param, " ", ", "))
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, param)
	default:
		return fmt.Sprintf("%s failed %s validation", field, err.Tag())
	}
}
