package dispatch

// Hooks defines optional callbacks around the queue lifecycle. Nil hooks are
// simply not called. Hooks run on whichever goroutine drove the transition
// (an enqueue caller or a sink completion callback) and must not block.
type Hooks struct {
	// OnEnqueued is called after text is accepted, with the queue depth
	// including the new item.
	OnEnqueued func(text string, depth int)

	// OnDispatched is called just before text is submitted to the sink.
	OnDispatched func(text string)

	// OnCompleted is called when the sink reports success for an item.
	OnCompleted func(text string)

	// OnFailed is called when the sink reports failure. The item has
	// already been discarded.
	OnFailed func(text string)

	// OnCleared is called after Clear drops queued items, with the count.
	OnCleared func(dropped int)
}

// Merge combines two Hooks; callbacks from other run after those of h.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnEnqueued:   chain2(h.OnEnqueued, other.OnEnqueued),
		OnDispatched: chain1(h.OnDispatched, other.OnDispatched),
		OnCompleted:  chain1(h.OnCompleted, other.OnCompleted),
		OnFailed:     chain1(h.OnFailed, other.OnFailed),
		OnCleared:    chainInt(h.OnCleared, other.OnCleared),
	}
}

func chain1(a, b func(string)) func(string) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(s string) {
		a(s)
		b(s)
	}
}

func chain2(a, b func(string, int)) func(string, int) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(s string, n int) {
		a(s, n)
		b(s, n)
	}
}

func chainInt(a, b func(int)) func(int) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(n int) {
		a(n)
		b(n)
	}
}
