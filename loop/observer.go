package loop

import "time"

// Observer receives notifications around every pass a Runner makes.
// Implementations must be safe for concurrent use when shared between
// runners and must not block: they run on the loop goroutine.
type Observer interface {
	// PassStarted fires immediately before the iterator is invoked.
	PassStarted(service string, p Pass)

	// PassFinished fires after the iterator returns, with the pass
	// duration and the iterator's error, if any.
	PassFinished(service string, p Pass, d time.Duration, err error)
}

// MultiObserver fans notifications out to every contained observer in order.
type MultiObserver []Observer

// PassStarted implements Observer.
func (m MultiObserver) PassStarted(service string, p Pass) {
	for _, o := range m {
		o.PassStarted(service, p)
	}
}

// PassFinished implements Observer.
func (m MultiObserver) PassFinished(service string, p Pass, d time.Duration, err error) {
	for _, o := range m {
		o.PassFinished(service, p, d, err)
	}
}

type nopObserver struct{}

func (nopObserver) PassStarted(string, Pass)                        {}
func (nopObserver) PassFinished(string, Pass, time.Duration, error) {}
