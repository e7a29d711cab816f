package signals

import "context"

// Typed binds a signal to a payload type so senders and receivers agree on it.
type Typed[T any] struct {
	sig *Signal
}

func NewTyped[T any](sig *Signal) Typed[T] { return Typed[T]{sig: sig} }

func (t Typed[T]) Signal() *Signal { return t.sig }

func (t Typed[T]) Send(ctx context.Context, sender string, v T) error {
	return t.sig.Send(ctx, sender, v)
}

// Connect decodes every fire into T before calling fn. Fires that do not
// decode are logged by the receiver loop and skipped.
func (t Typed[T]) Connect(ctx context.Context, fn func(ctx context.Context, ev Event, v T) error) (*Subscription, error) {
	return t.sig.Connect(ctx, func(ctx context.Context, ev Event) error {
		var v T
		if err := ev.Decode(&v); err != nil {
			return err
		}
		return fn(ctx, ev, v)
	})
}
