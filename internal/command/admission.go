// ABOUTME: Per-device admission queue enforcing concurrency scopes.
// ABOUTME: Tracks in-flight commands and releases queued ones as slots free up.

package command

import (
	"sync"

	"github.com/2389/opsrelay/internal/protocol"
)

type slot struct {
	id         string
	scope      protocol.ConcurrencyScope
	projectKey string
}

type lane struct {
	inflight map[string]slot
	queue    []slot
}

func (l *lane) fits(s slot) bool {
	for _, f := range l.inflight {
		switch {
		case f.scope == protocol.ScopeNone:
		case s.scope == protocol.ScopeGlobal || f.scope == protocol.ScopeGlobal:
			return false
		case f.projectKey == s.projectKey:
			return false
		}
	}
	return true
}

// pump admits queued slots in order. A blocked global slot holds back every
// later scoped slot.
func (l *lane) pump() []string {
	var admitted []string
	remaining := l.queue[:0]
	barrier := false
	for _, s := range l.queue {
		switch {
		case s.scope == protocol.ScopeNone:
		case barrier || !l.fits(s):
			remaining = append(remaining, s)
			if s.scope == protocol.ScopeGlobal {
				barrier = true
			}
			continue
		}
		l.inflight[s.id] = s
		admitted = append(admitted, s.id)
	}
	l.queue = remaining
	return admitted
}

func (l *lane) queued(id string) bool {
	for _, s := range l.queue {
		if s.id == id {
			return true
		}
	}
	return false
}

func (l *lane) dequeue(id string) bool {
	for i, s := range l.queue {
		if s.id == id {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return true
		}
	}
	return false
}

// admission holds one lane per target device.
type admission struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

func newAdmission() *admission {
	return &admission{lanes: make(map[string]*lane)}
}

func (a *admission) lane(deviceID string) *lane {
	l, ok := a.lanes[deviceID]
	if !ok {
		l = &lane{inflight: make(map[string]slot)}
		a.lanes[deviceID] = l
	}
	return l
}

func (a *admission) gc(deviceID string, l *lane) {
	if len(l.inflight) == 0 && len(l.queue) == 0 {
		delete(a.lanes, deviceID)
	}
}

// enqueue queues s on deviceID and returns the ids admitted as a result,
// which may or may not include s.
func (a *admission) enqueue(deviceID string, s slot) []string {
	if s.scope == "" {
		s.scope = protocol.ScopeNone
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	l := a.lane(deviceID)
	if _, ok := l.inflight[s.id]; ok || l.queued(s.id) {
		return nil
	}
	l.queue = append(l.queue, s)
	admitted := l.pump()
	a.gc(deviceID, l)
	return admitted
}

// hold marks s as in flight without queueing.
func (a *admission) hold(deviceID string, s slot) {
	if s.scope == "" {
		s.scope = protocol.ScopeNone
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lane(deviceID).inflight[s.id] = s
}

// release drops id from deviceID's lane and returns newly admitted ids.
func (a *admission) release(deviceID, id string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.lanes[deviceID]
	if !ok {
		return nil
	}
	_, held := l.inflight[id]
	delete(l.inflight, id)
	wasQueued := l.dequeue(id)
	var admitted []string
	if held || wasQueued {
		admitted = l.pump()
	}
	a.gc(deviceID, l)
	return admitted
}

// tracked reports whether id is queued or in flight on deviceID.
func (a *admission) tracked(deviceID, id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.lanes[deviceID]
	if !ok {
		return false
	}
	_, held := l.inflight[id]
	return held || l.queued(id)
}

// inflight reports whether id currently holds a slot on deviceID.
func (a *admission) inflight(deviceID, id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.lanes[deviceID]
	if !ok {
		return false
	}
	_, held := l.inflight[id]
	return held
}
