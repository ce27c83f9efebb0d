package main

import (
	"strings"
	"sync"

	"github.com/phoenix2/phoenix/internal/protocol"
	"github.com/phoenix2/phoenix/internal/queue"
	"github.com/phoenix2/phoenix/internal/work"
)

// clientSlot holds the currently-active protocol.Client, satisfying
// queue.Connector and kernel.Submitter by forwarding to whatever client
// is installed. It exists because construction is circular: the client
// needs a Host before it exists, and the Host (coordinator) needs a
// client to request work from.
type clientSlot struct {
	mu sync.RWMutex
	c  protocol.Client
}

func (s *clientSlot) set(c protocol.Client) {
	s.mu.Lock()
	s.c = c
	s.mu.Unlock()
}

func (s *clientSlot) get() protocol.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c
}

// RequestWork satisfies queue.Connector.
func (s *clientSlot) RequestWork() {
	if c := s.get(); c != nil {
		c.RequestWork()
	}
}

// SubmitResult satisfies kernel.Submitter.
func (s *clientSlot) SubmitResult(sub [work.SubmissionLen]byte) *protocol.Future {
	if c := s.get(); c != nil {
		return c.SubmitResult(sub)
	}
	f := protocol.NewFuture()
	f.Resolve(false)
	return f
}

// SetMeta satisfies kernel.Submitter's metaSetter side-channel.
func (s *clientSlot) SetMeta(key, value string) {
	if c := s.get(); c != nil {
		c.SetMeta(key, value)
	}
}

// coordinator is the process-wide Host: it forwards protocol events onto
// the WorkQueue and reports connection state.
type coordinator struct {
	q *queue.Queue
}

var _ protocol.Host = (*coordinator)(nil)

func (c *coordinator) OnConnect() {
	log.Infof("pcol: connected")
}

func (c *coordinator) OnDisconnect() {
	log.Warnf("pcol: disconnected")
}

func (c *coordinator) OnFailure() {
	log.Warnf("pcol: request failed")
}

func (c *coordinator) OnMsg(text string) {
	log.Infof("pcol: server message: %s", text)
}

func (c *coordinator) OnBlock(number int64) {
	log.Infof("pcol: block %d", number)
}

func (c *coordinator) OnWork(aw work.AssignedWork) {
	c.q.StoreWork(aw)
}

func (c *coordinator) OnPush(aw work.AssignedWork) {
	c.q.StoreWork(aw)
}

func (c *coordinator) OnLongpoll(active bool) {
	log.Debugf("pcol: long-poll %s", map[bool]string{true: "active", false: "inactive"}[active])
}

func (c *coordinator) OnDebug(text string) {
	log.Debugf("pcol: %s", text)
}

// idleLogger satisfies queue.IdleReporter, logging idle/busy
// transitions at debug level; there is nothing else to do with idleness
// at the coordinator layer since kernels simply block on their next
// fetch.
type idleLogger struct{}

func (idleLogger) ReportIdle(idle bool) {
	if idle {
		log.Debugf("wrku: idle, waiting on server for work")
	} else {
		log.Debugf("wrku: work available")
	}
}

// parseDevice splits a "kerneltype:deviceid" spec as accepted by
// --device. A bare deviceid defaults to the "cpu" kernel type.
func parseDevice(spec string) (kernelType, deviceID string) {
	if i := strings.IndexByte(spec, ':'); i >= 0 {
		return strings.ToLower(spec[:i]), spec[i+1:]
	}
	return "cpu", spec
}
