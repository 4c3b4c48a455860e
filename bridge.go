package serial

// bridge is the only path from the read loop into host logic.
type bridge struct {
	interp *Interpreter
	ch     *Channel
}

func (b *bridge) dataAvailable() { b.notify(DataAvailable) }

func (b *bridge) done() { b.notify(DoneAction) }

// notify invokes the named callback under the interpreter lock. It is a
// no-op once the channel is closed or its handle released; both flags are
// set by host code, which runs under the same lock.
func (b *bridge) notify(name string) {
	b.interp.mu.Lock()
	defer b.interp.mu.Unlock()

	if b.ch.released.Load() || b.ch.closed.Load() {
		return
	}
	if b.interp.invoke(name, b.ch) {
		b.ch.stats.notifications.Inc()
	}
}
