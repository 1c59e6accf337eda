package services

import "sync/atomic"

// Observer receives lifecycle transitions and capability calls.
type Observer interface {
	Transition(path string, running bool)
	Called(path, capability string, err error)
}

type observerBox struct{ o Observer }

var observer atomic.Pointer[observerBox]

// SetObserver installs o process-wide; nil disables observation.
func SetObserver(o Observer) {
	if o == nil {
		observer.Store(nil)
		return
	}
	observer.Store(&observerBox{o: o})
}

func notifyTransition(path string, running bool) {
	if box := observer.Load(); box != nil {
		box.o.Transition(path, running)
	}
}

func notifyCalled(path, capability string, err error) {
	if box := observer.Load(); box != nil {
		box.o.Called(path, capability, err)
	}
}
