package chat

import (
	"errors"
	"fmt"
	"strings"

	"github.com/toolbridge/toolbridge/pkg/types"
)

// Sentinel errors shared by all providers. Match with errors.Is.
var (
	// ErrCancelled marks a caller-initiated abort, distinct from backend
	// failure. Returned when the request context fires mid-call.
	ErrCancelled = errors.New("cancelled by caller")

	// ErrPayloadTooLarge is surfaced only after a provider's own
	// retry-with-stripped-attachments path has also failed.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrProviderUnavailable marks a failed health check or a model the
	// backend does not currently offer.
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// ModelUnavailableError reports that a specific model is not offered and
// lists the models that are, so callers can present an actionable message.
type ModelUnavailableError struct {
	Model     string
	Available []types.ModelInfo
}

func (e *ModelUnavailableError) Error() string {
	names := make([]string, len(e.Available))
	for i, m := range e.Available {
		names[i] = m.Name
	}
	return fmt.Sprintf("model %q not available, available models: %s",
		e.Model, strings.Join(names, ", "))
}

// Unwrap lets errors.Is(err, ErrProviderUnavailable) match.
func (e *ModelUnavailableError) Unwrap() error {
	return ErrProviderUnavailable
}
