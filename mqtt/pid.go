package mqtt

import "sync"

// pidAllocator generates packet identifiers 1..65535, cycling, and tracks
// which are outstanding (awaiting an ACK/SUBACK/UNSUBACK). Grounded on
// mqtt_as.py's pid_gen()/rcv_pids and spec.md invariant 7: never yields 0,
// never yields a value already in the outstanding set.
type pidAllocator struct {
	mu          sync.Mutex
	next        uint16
	outstanding map[uint16]struct{}
}

func newPIDAllocator() *pidAllocator {
	return &pidAllocator{
		next:        1,
		outstanding: make(map[uint16]struct{}),
	}
}

// allocate returns the next free PID, cycling past 0 and past any PID
// still outstanding (the set cannot realistically wrap with a single
// outstanding in-flight operation per spec.md's "at most one outstanding
// PID per in-flight QoS-1 publish/subscribe/unsubscribe" invariant, but the
// skip-if-outstanding loop keeps the guarantee explicit regardless).
func (p *pidAllocator) allocate() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		pid := p.next
		p.next++
		if p.next == 0 {
			p.next = 1
		}
		if _, busy := p.outstanding[pid]; !busy {
			p.outstanding[pid] = struct{}{}
			return pid
		}
	}
}

// release removes pid from the outstanding set. Called on matching ACK,
// timeout exhaustion, or session teardown.
func (p *pidAllocator) release(pid uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.outstanding, pid)
}

// isOutstanding reports whether pid is currently allocated and unacked.
func (p *pidAllocator) isOutstanding(pid uint16) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.outstanding[pid]
	return ok
}

// reset clears all outstanding PIDs, used on session teardown / reconnect.
func (p *pidAllocator) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstanding = make(map[uint16]struct{})
}
