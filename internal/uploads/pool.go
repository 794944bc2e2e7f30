package uploads

import "context"

// workPool bounds how much blocking work (scanning, image re-encoding, PDF
// parsing) runs at once, so those steps never starve the request goroutines.
// Every blocking call in the pipeline crosses this boundary explicitly.
type workPool struct {
	slots chan struct{}
}

func newWorkPool(size int) *workPool {
	if size < 1 {
		size = 1
	}
	return &workPool{slots: make(chan struct{}, size)}
}

// do runs fn on a pool slot. A context cancelled while waiting for a slot
// returns immediately; once fn is running it runs to completion, but a
// caller that gave up discards the result.
func (p *workPool) do(ctx context.Context, fn func() error) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-p.slots }()
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
