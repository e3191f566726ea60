package event

import "sync"

var topOfBookPool = sync.Pool{
	New: func() any { return new(TopOfBookEvent) },
}

// AcquireTopOfBookEvent returns a zeroed event from the pool.
func AcquireTopOfBookEvent() *TopOfBookEvent {
	return topOfBookPool.Get().(*TopOfBookEvent)
}

// ReleaseTopOfBookEvent resets ev and returns it to the pool.
// ev must not be used afterwards.
func ReleaseTopOfBookEvent(ev *TopOfBookEvent) {
	*ev = TopOfBookEvent{}
	topOfBookPool.Put(ev)
}
