package aio

// Completion is the outcome of one finished operation. Token is the value
// given at submission, returned unchanged. Result is the number of bytes
// transferred; it is only meaningful when Err is nil.
type Completion struct {
	Token  any
	Op     Op
	Result int64
	Err    *CompletionError
}

func (c Completion) OK() bool {
	return c.Err == nil
}

// Callback may be implemented by a token to have a Poller (or Close) hand the
// completion straight back to it.
type Callback interface {
	OnComplete(c Completion)
	OnError(err *CompletionError)
}

// Dispatch invokes the token's Callback, or fallback when the token is not a
// Callback. A nil fallback drops such completions.
func Dispatch(c Completion, fallback func(Completion)) {
	if cb, ok := c.Token.(Callback); ok {
		if c.Err != nil {
			cb.OnError(c.Err)
		} else {
			cb.OnComplete(c)
		}
		return
	}
	if fallback != nil {
		fallback(c)
	}
}
