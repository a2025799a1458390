// Package deprecation emits non-fatal notices for legacy names and arguments.
package deprecation

import (
	"sync"

	"k8s.io/klog/v2"
)

var (
	handlerMutex sync.RWMutex
	handler      = func(message string) {
		klog.Warning("DEPRECATED: ", message)
	}
)

// SetHandler replaces the function notices are delivered to and returns a
// func restoring the previous one.
func SetHandler(h func(message string)) (restore func()) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	previous := handler
	handler = h
	return func() {
		handlerMutex.Lock()
		defer handlerMutex.Unlock()
		handler = previous
	}
}

// Warn emits message unconditionally.
func Warn(message string) {
	handlerMutex.RLock()
	h := handler
	handlerMutex.RUnlock()
	h(message)
}

// Notice emits its message at most once, however often Emit is called.
type Notice struct {
	once    sync.Once
	message string
}

func NewNotice(message string) *Notice {
	return &Notice{message: message}
}

func (n *Notice) Emit() {
	n.once.Do(func() {
		Warn(n.message)
	})
}
