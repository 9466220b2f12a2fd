package scraper

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the pipeline's error taxonomy.
var (
	ErrValidation           = errors.New("validation error")
	ErrConflict             = errors.New("conflict")
	ErrCredentialsMissing   = errors.New("credentials missing")
	ErrNavigation           = errors.New("navigation error")
	ErrExtraction           = errors.New("extraction error")
	ErrMediaFetch           = errors.New("media fetch error")
	ErrProxyProvision       = errors.New("proxy provision error")
	ErrNotificationDelivery = errors.New("notification delivery error")
	ErrNotFound             = errors.New("not found")
	ErrCapacity             = errors.New("capacity exhausted")
)

// NavigationError carries the classified outcome of a failed group navigation.
type NavigationError struct {
	Group   string
	Outcome PageState
	Err     error
}

func (e *NavigationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("group %s: %s: %v", e.Group, e.Outcome, e.Err)
	}
	return fmt.Sprintf("group %s: %s", e.Group, e.Outcome)
}

// Unwrap lets errors.Is match ErrNavigation and the underlying cause.
func (e *NavigationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNavigation}
	}
	return []error{ErrNavigation, e.Err}
}

// Kind names the taxonomy entry for err, used in failure notifications.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrConflict):
		return "ConflictError"
	case errors.Is(err, ErrCredentialsMissing):
		return "CredentialsMissing"
	case errors.Is(err, ErrNavigation):
		return "NavigationError"
	case errors.Is(err, ErrExtraction):
		return "ExtractionError"
	case errors.Is(err, ErrMediaFetch):
		return "MediaFetchError"
	case errors.Is(err, ErrProxyProvision):
		return "ProxyProvisionError"
	case errors.Is(err, ErrNotificationDelivery):
		return "NotificationDeliveryError"
	case errors.Is(err, ErrCapacity):
		return "CapacityError"
	}
	var kinded interface{ Kind() string }
	if errors.As(err, &kinded) {
		return kinded.Kind()
	}
	return fmt.Sprintf("%T", err)
}
