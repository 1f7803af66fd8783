package database

import "sync/atomic"

// lifecycle is the running flag shared by the store implementations.
type lifecycle struct {
	running int32
}

func (l *lifecycle) begin() bool {
	return atomic.CompareAndSwapInt32(&l.running, 0, 1)
}

func (l *lifecycle) end() bool {
	return atomic.CompareAndSwapInt32(&l.running, 1, 0)
}

func (l *lifecycle) IsRunning() bool {
	return atomic.LoadInt32(&l.running) == 1
}
