// Package chaos adapts the sabotage-plan idiom from saboteur/db.go's
// channel-owned state loop into a deterministic, test-only fault
// injector: a plan says "this child's start function should fail its
// next N attempts, then succeed", which is what drives a deferred
// restart-retry scenario without depending on a genuinely flaky
// dependency.
//
// Like sabotageDB, Injector has no internal lock: every read and
// write is a channel-send-then-channel-receive round trip against a
// single owner goroutine (Run), with a ctx.Done() escape hatch on
// both sides of every round trip.
package chaos

import (
	"context"
	"errors"
	"fmt"

	"github.com/parentsup/parentsup/c"
)

type insertPlanMsg struct {
	id         c.ID
	failTimes  int
	resultChan chan error
}

type rmPlanMsg struct {
	id         c.ID
	resultChan chan error
}

type attemptMsg struct {
	id         c.ID
	resultChan chan bool // true => this attempt should be sabotaged
}

// Injector is the fault table. Create one with NewInjector and run
// its state loop with Run before using InsertPlan/RemovePlan/Wrap.
type Injector struct {
	insertChan  chan insertPlanMsg
	rmChan      chan rmPlanMsg
	attemptChan chan attemptMsg
}

// NewInjector creates an Injector with unbuffered request channels,
// matching sabotageDB's channel setup.
func NewInjector() *Injector {
	return &Injector{
		insertChan:  make(chan insertPlanMsg),
		rmChan:      make(chan rmPlanMsg),
		attemptChan: make(chan attemptMsg),
	}
}

// Run is the injector's state loop. It must be running, in its own
// goroutine, for any other method to make progress; it returns when
// ctx is done.
func (inj *Injector) Run(ctx context.Context) error {
	plans := map[c.ID]int{}    // id -> number of attempts to sabotage
	attempts := map[c.ID]int{} // id -> attempts consulted since the plan was inserted

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg := <-inj.insertChan:
			if _, ok := plans[msg.id]; ok {
				if !reply(ctx, msg.resultChan, errors.New("plan already registered for this id")) {
					return nil
				}
				continue
			}
			plans[msg.id] = msg.failTimes
			delete(attempts, msg.id)
			if !reply(ctx, msg.resultChan, nil) {
				return nil
			}

		case msg := <-inj.rmChan:
			delete(plans, msg.id)
			delete(attempts, msg.id)
			if !reply(ctx, msg.resultChan, nil) {
				return nil
			}

		case msg := <-inj.attemptChan:
			remaining, planned := plans[msg.id]
			shouldFail := planned && attempts[msg.id] < remaining
			attempts[msg.id]++
			select {
			case msg.resultChan <- shouldFail:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func reply(ctx context.Context, ch chan error, err error) bool {
	select {
	case ch <- err:
		return true
	case <-ctx.Done():
		return false
	}
}

// InsertPlan registers id as due to sabotage its next failTimes start
// attempts before letting the real start function run.
func (inj *Injector) InsertPlan(ctx context.Context, id c.ID, failTimes int) error {
	resultChan := make(chan error, 1)
	select {
	case inj.insertChan <- insertPlanMsg{id: id, failTimes: failTimes, resultChan: resultChan}:
	case <-ctx.Done():
		return fmt.Errorf("InsertPlan could not talk to the injector: %w", ctx.Err())
	}
	select {
	case err := <-resultChan:
		return err
	case <-ctx.Done():
		return fmt.Errorf("injector did not reply to InsertPlan: %w", ctx.Err())
	}
}

// RemovePlan clears any plan registered for id.
func (inj *Injector) RemovePlan(ctx context.Context, id c.ID) error {
	resultChan := make(chan error, 1)
	select {
	case inj.rmChan <- rmPlanMsg{id: id, resultChan: resultChan}:
	case <-ctx.Done():
		return fmt.Errorf("RemovePlan could not talk to the injector: %w", ctx.Err())
	}
	select {
	case err := <-resultChan:
		return err
	case <-ctx.Done():
		return fmt.Errorf("injector did not reply to RemovePlan: %w", ctx.Err())
	}
}

// Wrap returns a c.StartFunc that consults the injector before
// calling through to base: while id still has sabotaged attempts
// left, it fails (and calls notify with that error) instead of
// running base at all.
func (inj *Injector) Wrap(id c.ID, base c.StartFunc) c.StartFunc {
	return func(ctx context.Context, notify c.NotifyStartFn) error {
		resultChan := make(chan bool, 1)
		select {
		case inj.attemptChan <- attemptMsg{id: id, resultChan: resultChan}:
		case <-ctx.Done():
			return ctx.Err()
		}

		var shouldFail bool
		select {
		case shouldFail = <-resultChan:
		case <-ctx.Done():
			return ctx.Err()
		}

		if shouldFail {
			err := fmt.Errorf("chaos: sabotaged attempt for %q", string(id))
			notify(err)
			return err
		}
		return base(ctx, notify)
	}
}
