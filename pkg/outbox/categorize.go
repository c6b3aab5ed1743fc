package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/clinicaltrials/gridline/pkg/models"
	"github.com/clinicaltrials/gridline/pkg/resilience"
)

// Categorize maps a handler failure onto the error taxonomy and the
// human-readable reason recorded on the protocol. Errors that already
// carry a category keep it; everything else falls back to message
// matching, then to a generic "failed: {error-type}" reason.
func Categorize(err error) (models.ErrorCategory, string) {
	if err == nil {
		return "", ""
	}

	var classified *models.ClassifiedError
	if errors.As(err, &classified) {
		return classified.Category, classified.Category.Reason()
	}
	if errors.Is(err, resilience.ErrBreakerOpen) {
		return models.CategoryBreakerOpen, models.CategoryBreakerOpen.Reason()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.CategoryTimeout, models.CategoryTimeout.Reason()
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "pdf"):
		return models.CategoryPDFQuality, models.CategoryPDFQuality.Reason()
	case strings.Contains(msg, "breaker open"):
		return models.CategoryBreakerOpen, models.CategoryBreakerOpen.Reason()
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return models.CategoryRateLimited, models.CategoryRateLimited.Reason()
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return models.CategoryTimeout, models.CategoryTimeout.Reason()
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "auth"):
		return models.CategoryAuth, models.CategoryAuth.Reason()
	case strings.Contains(msg, "bucket") || strings.Contains(msg, "object") || strings.Contains(msg, "storage"):
		return models.CategoryStorage, models.CategoryStorage.Reason()
	case strings.Contains(msg, "terminology") || strings.Contains(msg, "umls"):
		return models.CategoryToolMissing, models.CategoryToolMissing.Reason()
	}

	return models.CategoryPipelineFailed, fmt.Sprintf("failed: %T", err)
}
