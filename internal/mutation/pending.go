package mutation

import "context"

// Pending is the completion handle of an accepted operation. Its optimistic
// effect is already visible in the coordinator snapshot when the handle is
// returned.
type Pending struct {
	op      string
	entryID string
	done    chan struct{}
	err     error
}

func newPending(op, entryID string) *Pending {
	return &Pending{op: op, entryID: entryID, done: make(chan struct{})}
}

// Op returns the operation name.
func (p *Pending) Op() string {
	return p.op
}

// EntryID returns the local id the operation targets. For uploads, new
// folders and copies this is the temporary id of the optimistic entry.
func (p *Pending) EntryID() string {
	return p.entryID
}

// Done is closed once the operation has been confirmed or rolled back.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the outcome once Done is closed, nil before.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the operation completes or ctx is done. Giving up on the
// wait does not cancel the operation.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pending) complete(err error) {
	p.err = err
	close(p.done)
}
