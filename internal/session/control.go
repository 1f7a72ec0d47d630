package session

import (
	"context"
	"sync"
	"time"
)

type commandKind int

const (
	cmdPause commandKind = iota
	cmdResume
)

// command is a control request for one loop. The loop closes ack once it is applied,
// which only happens between two units of work.
type command struct {
	kind commandKind
	ack  chan struct{}
}

// send delivers a command to a loop and waits for the acknowledgement.
func (s *Session) send(ch chan<- command, kind commandKind) error {
	if err := s.running(); err != nil {
		return err
	}
	s.mutex.Lock()
	done := s.done
	s.mutex.Unlock()

	cmd := command{kind: kind, ack: make(chan struct{})}
	select {
	case ch <- cmd:
	case <-done:
		return ErrStopped
	}
	select {
	case <-cmd.ack:
		return nil
	case <-done:
		return ErrStopped
	}
}

// control is the command state of one loop.
type control struct {
	cmds   <-chan command
	paused bool
}

func (c *control) apply(cmd command) {
	c.paused = cmd.kind == cmdPause
	close(cmd.ack)
}

// poll applies pending commands without blocking.
func (c *control) poll() {
	for {
		select {
		case cmd := <-c.cmds:
			c.apply(cmd)
		default:
			return
		}
	}
}

// hold blocks while the loop is paused.
func (c *control) hold(ctx context.Context) error {
	for c.paused {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-c.cmds:
			c.apply(cmd)
		}
	}
	return nil
}

// wait suspends the loop until wake is closed, timeout fires, a command arrives or ctx is
// done. Nil channels never fire.
func (c *control) wait(ctx context.Context, wake <-chan struct{}, timeout <-chan time.Time) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case cmd := <-c.cmds:
		c.apply(cmd)
	case <-wake:
	case <-timeout:
	}
	return nil
}

// signal wakes every goroutine waiting on the channel returned by C.
type signal struct {
	mutex sync.Mutex
	ch    chan struct{}
}

func (b *signal) C() <-chan struct{} {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.ch == nil {
		b.ch = make(chan struct{})
	}
	return b.ch
}

func (b *signal) notify() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.ch != nil {
		close(b.ch)
	}
	b.ch = make(chan struct{})
}
