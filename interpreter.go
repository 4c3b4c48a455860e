package serial

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Names of the callbacks the read loop invokes.
const (
	DataAvailable = "prDataAvailable"
	DoneAction    = "prDoneAction"
)

// Callback is host logic invoked with the channel that triggered it.
// A returned error is logged; it does not affect the channel.
type Callback func(ch *Channel) error

// Interpreter is the host context a channel reports to: one global lock
// and a registry of named callbacks.
//
// Host code runs while holding the lock, either inside Run or inside a
// callback. All channels sharing an Interpreter have their notifications
// serialized by that lock. The lock is not reentrant: host code must not
// call Run from within a callback.
type Interpreter struct {
	mu sync.Mutex

	regMu     sync.RWMutex
	callbacks map[string]Callback

	log *zap.Logger
}

// NewInterpreter returns an interpreter with no callbacks defined.
func NewInterpreter() *Interpreter {
	return &Interpreter{
		callbacks: make(map[string]Callback),
		log:       Logger().Named("interpreter"),
	}
}

// Define registers cb under name, replacing any previous definition.
// A nil cb removes the definition.
func (in *Interpreter) Define(name string, cb Callback) {
	in.regMu.Lock()
	defer in.regMu.Unlock()
	if cb == nil {
		delete(in.callbacks, name)
		return
	}
	in.callbacks[name] = cb
}

// Run executes fn under the interpreter lock.
func (in *Interpreter) Run(fn func()) {
	in.mu.Lock()
	defer in.mu.Unlock()
	fn()
}

// invoke calls the named callback. The caller must hold in.mu.
func (in *Interpreter) invoke(name string, ch *Channel) (called bool) {
	in.regMu.RLock()
	cb := in.callbacks[name]
	in.regMu.RUnlock()
	if cb == nil {
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			in.log.Error("callback panicked",
				zap.String("callback", name),
				zap.String("device", ch.Name()),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := cb(ch); err != nil {
		in.log.Warn("callback failed",
			zap.String("callback", name),
			zap.String("device", ch.Name()),
			zap.Error(err))
	}
	return true
}
