// Package stop provides the shutdown primitives shared by the tracker's
// long-running components.
package stop

import (
	"sync"
)

// Channel reports the outcome of a shutdown. The component being stopped
// calls Done exactly once; the initiator receives from the channel, usually
// through its read-only Result form, exactly once.
type Channel chan []error

// Result is the receiving end of a Channel.
type Result <-chan []error

// Done records any errors encountered while stopping and closes the Channel.
// A closed Channel with nothing recorded signals a clean shutdown.
func (ch Channel) Done(errs ...error) {
	if len(errs) > 0 && errs[0] != nil {
		ch <- errs
	}
	close(ch)
}

// Result converts the Channel into its receive-only form.
func (ch Channel) Result() Result {
	return (<-chan []error)(ch)
}

// Wait blocks until Done has been called on the underlying Channel and
// returns whatever errors were recorded.
func (r Result) Wait() []error {
	return <-r
}

// Stopper is implemented by components that shut down asynchronously.
type Stopper interface {
	// Stop returns immediately and reports the outcome of the shutdown on
	// the returned Result once it completes.
	Stop() Result
}

// Group collects Stoppers whose shutdown order does not matter.
type Group struct {
	mu      sync.Mutex
	members []Stopper
}

// NewGroup allocates a new Group.
func NewGroup() *Group {
	return &Group{}
}

// Add registers a Stopper with the Group.
func (g *Group) Add(s Stopper) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.members = append(g.members, s)
}

// Stop initiates the shutdown of every member at once and reports the
// collected errors on the returned Result.
//
// Members must not depend on each other during shutdown; use Serial for
// members that do.
func (g *Group) Stop() Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	done := make(Channel)

	results := make([]Result, 0, len(g.members))
	for _, m := range g.members {
		results = append(results, m.Stop())
	}

	go func() {
		var errs []error
		for _, r := range results {
			errs = append(errs, r.Wait()...)
		}
		done.Done(errs...)
	}()

	return done.Result()
}

// Serial stops each Stopper in turn, waiting for one to finish before
// starting the next, and returns the collected errors. It exists for
// components with shutdown dependencies between them, such as a task that
// must complete its final run against a store that another member owns.
func Serial(stoppers ...Stopper) []error {
	var errs []error
	for _, s := range stoppers {
		errs = append(errs, s.Stop().Wait()...)
	}

	return errs
}
