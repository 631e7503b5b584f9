package httpapi

import "sync"

// Result is the suite outcome reported by the page.
type Result struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// Run tracks one expected page load.
type Run struct {
	ID             string
	ForwardConsole bool

	captureOnce  sync.Once
	captured     chan struct{}
	completeOnce sync.Once
	completed    chan struct{}

	mu     sync.Mutex
	result Result
}

func newRun(id string, forwardConsole bool) *Run {
	return &Run{
		ID:             id,
		ForwardConsole: forwardConsole,
		captured:       make(chan struct{}),
		completed:      make(chan struct{}),
	}
}

// Captured is closed once the browser has fetched the test page.
func (r *Run) Captured() <-chan struct{} { return r.captured }

// Completed is closed once the page has reported a result.
func (r *Run) Completed() <-chan struct{} { return r.completed }

// Result returns the reported outcome; valid after Completed is closed.
func (r *Run) Result() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

func (r *Run) markCaptured() {
	r.captureOnce.Do(func() { close(r.captured) })
}

// complete records res and reports whether it was the first result.
func (r *Run) complete(res Result) bool {
	first := false
	r.completeOnce.Do(func() {
		r.mu.Lock()
		r.result = res
		r.mu.Unlock()
		r.markCaptured()
		close(r.completed)
		first = true
	})
	return first
}
