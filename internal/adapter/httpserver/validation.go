package httpserver

import (
	"regexp"
	"strconv"

	"github.com/fairyhunter13/taskforge/internal/domain"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult represents the result of validation
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

var validJobID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateJobID validates a job ID path parameter
func ValidateJobID(jobID string) ValidationResult {
	if jobID == "" {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Field: "id", Code: "REQUIRED", Message: "Job ID is required"},
			},
		}
	}
	if len(jobID) > 100 {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Field: "id", Code: "TOO_LONG", Message: "Job ID is too long (max 100 characters)"},
			},
		}
	}
	if !validJobID.MatchString(jobID) {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Field: "id", Code: "INVALID_FORMAT", Message: "Job ID contains invalid characters"},
			},
		}
	}
	return ValidationResult{Valid: true}
}

// ValidateStatus validates a job status filter
func ValidateStatus(status string) ValidationResult {
	if domain.ValidStatus(domain.JobStatus(status)) {
		return ValidationResult{Valid: true}
	}
	return ValidationResult{
		Valid: false,
		Errors: []ValidationError{
			{
				Field:   "status",
				Code:    "INVALID_VALUE",
				Message: "Status must be one of: pending, running, completed, failed, dlq",
			},
		},
	}
}

// ParseLimit parses a limit query parameter; empty means the default of 50.
func ParseLimit(limit string) (int, ValidationResult) {
	if limit == "" {
		return 50, ValidationResult{Valid: true}
	}
	n, err := strconv.Atoi(limit)
	if err != nil || n < 1 || n > 100 {
		return 0, ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Field: "limit", Code: "INVALID_FORMAT", Message: "Limit must be between 1 and 100"},
			},
		}
	}
	return n, ValidationResult{Valid: true}
}
