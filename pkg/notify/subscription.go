package notify

import "sync"

// Subscription is a handle to a registered listener. Release detaches it;
// releasing more than once is harmless.
type Subscription struct {
	once    sync.Once
	release func()
}

// NewSubscription wraps release in a Subscription.
func NewSubscription(release func()) *Subscription {
	return &Subscription{release: release}
}

// Release detaches the listener.
func (s *Subscription) Release() {
	if s == nil || s.release == nil {
		return
	}
	s.once.Do(s.release)
}
