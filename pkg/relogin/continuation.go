package relogin

import "sync"

// Continuation receives the outcome of one logical call. Exactly one of its
// methods is invoked, exactly once, no matter how many login cycles occur.
type Continuation interface {
	OnSuccess(body []byte)
	OnFailure(failure *Failure)
}

// ContinuationFuncs adapts a pair of functions to Continuation. Nil functions are skipped.
type ContinuationFuncs struct {
	Success func(body []byte)
	Failure func(failure *Failure)
}

func (c ContinuationFuncs) OnSuccess(body []byte) {
	if c.Success != nil {
		c.Success(body)
	}
}

func (c ContinuationFuncs) OnFailure(failure *Failure) {
	if c.Failure != nil {
		c.Failure(failure)
	}
}

var _ Continuation = ContinuationFuncs{}

// onceContinuation guards the caller's continuation against double delivery.
type onceContinuation struct {
	once sync.Once
	next Continuation
}

func once(next Continuation) *onceContinuation {
	return &onceContinuation{next: next}
}

func (c *onceContinuation) OnSuccess(body []byte) {
	c.once.Do(func() { c.next.OnSuccess(body) })
}

func (c *onceContinuation) OnFailure(failure *Failure) {
	c.once.Do(func() { c.next.OnFailure(failure) })
}
