package hub

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fingerhq/finger/internal/registry"
)

var (
	// ErrNotRegistered is returned by direct sends to an unknown module.
	ErrNotRegistered = errors.New("module not registered")

	// ErrNoMatchingRoute is returned when a queued message still has no
	// route at redelivery time.
	ErrNoMatchingRoute = errors.New("no matching route")

	// ErrQueueFull is returned when the undeliverable queue is at capacity.
	ErrQueueFull = errors.New("message queue full")

	// ErrBadMessage is returned for messages that cannot be serialized
	// for route matching.
	ErrBadMessage = errors.New("malformed message")
)

// DeliveryError is the structured failure a blocking send surfaces to the
// caller instead of a bare error.
type DeliveryError struct {
	RouteID        string `json:"routeId,omitempty"`
	ModuleID       string `json:"moduleId,omitempty"`
	Paused         bool   `json:"paused,omitempty"`
	RetryScheduled bool   `json:"retryScheduled,omitempty"`
	Err            error  `json:"-"`
}

func (e *DeliveryError) Error() string {
	if e.RouteID != "" {
		return fmt.Sprintf("delivery to %s via route %s failed: %v", e.ModuleID, e.RouteID, e.Err)
	}
	return fmt.Sprintf("delivery to %s failed: %v", e.ModuleID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ErrorHandler tracks per-module delivery failures and decides when a
// module should be paused.
type ErrorHandler interface {
	// NoteFailure records a failed delivery and reports whether the
	// module was paused as a result.
	NoteFailure(moduleID string, err error) (paused bool)

	// NoteSuccess clears the module's failure streak.
	NoteSuccess(moduleID string)
}

// DefaultPauseAfter is the consecutive-failure streak that flips a
// module to paused.
const DefaultPauseAfter = 3

// registryErrorHandler pauses a module in the registry once its
// consecutive failure streak reaches the threshold.
type registryErrorHandler struct {
	reg        *registry.Registry
	pauseAfter int

	mu      sync.Mutex
	streaks map[string]int
}

// NewErrorHandler returns the default handler backed by the registry.
func NewErrorHandler(reg *registry.Registry, pauseAfter int) ErrorHandler {
	if pauseAfter <= 0 {
		pauseAfter = DefaultPauseAfter
	}
	return &registryErrorHandler{
		reg:        reg,
		pauseAfter: pauseAfter,
		streaks:    make(map[string]int),
	}
}

func (h *registryErrorHandler) NoteFailure(moduleID string, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.streaks[moduleID]++
	if h.streaks[moduleID] < h.pauseAfter {
		return false
	}
	h.streaks[moduleID] = 0

	uerr := h.reg.UpdateEntry(moduleID, func(e *registry.Entry) {
		e.Status = registry.StatusPaused
	})
	return uerr == nil
}

func (h *registryErrorHandler) NoteSuccess(moduleID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.streaks, moduleID)
}
