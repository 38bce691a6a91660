package madrpc

import (
	"sync"
	"time"

	"github.com/containers/fabrickit/libfabric/define"
)

// Settings holds the retry and timeout configuration shared by every call
// made through an Engine. Changes take effect on the next call.
type Settings struct {
	mu         sync.Mutex
	retries    int
	timeout    time.Duration
	showErrors bool
	debug      int
}

// NewSettings returns settings holding the defaults.
func NewSettings() *Settings {
	return &Settings{
		retries: define.DefaultRetries,
		timeout: define.DefaultTimeout,
	}
}

// SetRetries sets the number of send attempts per call. Values that are not
// positive are ignored. The effective value is returned.
func (s *Settings) SetRetries(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.retries = n
	}
	return s.retries
}

// Retries returns the number of send attempts per call.
func (s *Settings) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// SetTimeout sets the default per-attempt timeout. Values that are not
// positive are ignored. The effective value is returned.
func (s *Settings) SetTimeout(d time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.timeout = d
	}
	return s.timeout
}

// Timeout returns the default per-attempt timeout.
func (s *Settings) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// SetShowErrors controls whether replies with a nonzero status are logged.
// It returns the previous value.
func (s *Settings) SetShowErrors(show bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.showErrors
	s.showErrors = show
	return prev
}

// ShowErrors reports whether replies with a nonzero status are logged.
func (s *Settings) ShowErrors() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.showErrors
}

// SetDebug sets the trace level. 1 logs each transaction, 2 also dumps
// packets.
func (s *Settings) SetDebug(level int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debug = level
}

// Debug returns the trace level.
func (s *Settings) Debug() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debug
}

type snapshot struct {
	retries    int
	timeout    time.Duration
	showErrors bool
	debug      int
}

func (s *Settings) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot{
		retries:    s.retries,
		timeout:    s.timeout,
		showErrors: s.showErrors,
		debug:      s.debug,
	}
}
