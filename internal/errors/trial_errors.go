package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/render"
)

// Trial domain errors
var (
	ErrHardwareQuery      = errors.New("hardware query failed")
	ErrStorageWrite       = errors.New("trial storage write failed")
	ErrStorageRead        = errors.New("trial storage read failed")
	ErrTamperDetected     = errors.New("trial tampering detected")
	ErrActivationDeclined = errors.New("trial activation declined")
	ErrAlreadyActivated   = errors.New("trial already activated on this machine")
	ErrTrialExpired       = errors.New("trial expired")
	ErrTrialNotActivated  = errors.New("trial not activated")
)

// HardwareQueryError lists the hardware sources that could not be read.
type HardwareQueryError struct {
	Sources []string
	Err     error
}

func (e *HardwareQueryError) Error() string {
	msg := fmt.Sprintf("hardware query failed for %s", strings.Join(e.Sources, ", "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *HardwareQueryError) Unwrap() error { return e.Err }

func (e *HardwareQueryError) Is(target error) bool { return target == ErrHardwareQuery }

// StorageWriteError is returned when no storage location accepted a write.
type StorageWriteError struct {
	Paths  []string
	Causes []error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("trial storage write failed for all %d locations: %v", len(e.Paths), errors.Join(e.Causes...))
}

func (e *StorageWriteError) Unwrap() []error { return e.Causes }

func (e *StorageWriteError) Is(target error) bool { return target == ErrStorageWrite }

// TamperDetectedError carries the anomaly flags behind a Tampered state.
type TamperDetectedError struct {
	Flags []string
}

func (e *TamperDetectedError) Error() string {
	return "trial tampering detected: " + strings.Join(e.Flags, ",")
}

func (e *TamperDetectedError) Is(target error) bool { return target == ErrTamperDetected }

// Problem types
const (
	TypeValidation    = "/errors/validation"
	TypeNotFound      = "/errors/not-found"
	TypeRateLimit     = "/errors/rate-limit"
	TypeInternal      = "/errors/internal"
	TypeTimeout       = "/errors/timeout"
	TypeTrialExpired  = "/errors/trial/expired"
	TypeTrialInactive = "/errors/trial/not-activated"
	TypeTrialTampered = "/errors/trial/tampered"
	TypeTrialDeclined = "/errors/trial/activation-declined"
	TypeTrialConflict = "/errors/trial/already-activated"
	TypeTrialStorage  = "/errors/trial/storage"
	TypeTrialHardware = "/errors/trial/hardware"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the top-level object
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, 5+len(pd.Extensions))
	for k, v := range pd.Extensions {
		data[k] = v
	}

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// MapTrialError maps trial domain errors to HTTP problem details. Unknown
// errors become a 500 without leaking the message.
func MapTrialError(err error, instance, traceID string) *ProblemDetails {
	var problem *ProblemDetails

	var tamper *TamperDetectedError
	switch {
	case errors.As(err, &tamper):
		problem = NewProblemDetails(http.StatusForbidden, TypeTrialTampered,
			"Trial Invalid",
			"Trial data has been tampered with. Please contact support to purchase a license.",
			instance).WithExtension("tamper_flags", tamper.Flags)
	case errors.Is(err, ErrTamperDetected):
		problem = NewProblemDetails(http.StatusForbidden, TypeTrialTampered,
			"Trial Invalid",
			"Trial data has been tampered with. Please contact support to purchase a license.",
			instance)
	case errors.Is(err, ErrTrialExpired):
		problem = NewProblemDetails(http.StatusPaymentRequired, TypeTrialExpired,
			"Trial Expired",
			"Your trial period has ended. Please purchase a license to continue.",
			instance)
	case errors.Is(err, ErrTrialNotActivated):
		problem = NewProblemDetails(http.StatusPaymentRequired, TypeTrialInactive,
			"Trial Not Activated",
			"No trial has been started on this machine.",
			instance)
	case errors.Is(err, ErrActivationDeclined):
		problem = NewProblemDetails(http.StatusBadRequest, TypeTrialDeclined,
			"Activation Declined",
			"Trial activation requires explicit consent.",
			instance)
	case errors.Is(err, ErrAlreadyActivated):
		problem = NewProblemDetails(http.StatusConflict, TypeTrialConflict,
			"Trial Already Activated",
			"A trial has already been used on this machine.",
			instance)
	case errors.Is(err, ErrStorageWrite), errors.Is(err, ErrStorageRead):
		problem = NewProblemDetails(http.StatusInternalServerError, TypeTrialStorage,
			"Trial Storage Unavailable",
			"Trial data could not be stored on this machine.",
			instance)
	case errors.Is(err, ErrHardwareQuery):
		problem = NewProblemDetails(http.StatusInternalServerError, TypeTrialHardware,
			"Machine Identification Failed",
			"This machine could not be identified.",
			instance)
	default:
		problem = NewProblemDetails(http.StatusInternalServerError, TypeInternal,
			"Internal Server Error",
			"An unexpected error occurred",
			instance)
	}

	if traceID != "" {
		problem.WithExtension("trace_id", traceID)
	}
	return problem
}
