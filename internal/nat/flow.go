package nat

import (
	"net"
	"sync"
	"time"

	"github.com/the-void-ia/voidbox/internal/vmm"
)

// flowTable enforces the two caps spec.md §4.5 puts on outbound
// connections: a ceiling on connections accepted per second (a simple
// fixed-window token bucket, reset once a second) and a ceiling on
// concurrently open flows (a counting semaphore). Neither cap applies
// when its configured value is <= 0.
type flowTable struct {
	mu           sync.Mutex
	maxPerSecond int
	windowStart  time.Time
	windowCount  int

	maxConcurrent int
	concurrent    int
}

func newFlowTable(maxConcurrent, maxPerSecond int) *flowTable {
	return &flowTable{maxConcurrent: maxConcurrent, maxPerSecond: maxPerSecond}
}

// tryAdmit reports whether a new flow may open right now, and if so
// reserves a concurrency slot the caller must release via release().
func (f *flowTable) tryAdmit() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.maxPerSecond > 0 {
		now := time.Now()
		if now.Sub(f.windowStart) >= time.Second {
			f.windowStart = now
			f.windowCount = 0
		}
		if f.windowCount >= f.maxPerSecond {
			return false
		}
		f.windowCount++
	}

	if f.maxConcurrent > 0 && f.concurrent >= f.maxConcurrent {
		return false
	}
	f.concurrent++
	return true
}

func (f *flowTable) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.concurrent > 0 {
		f.concurrent--
	}
}

// denied reports whether addr falls inside any of sec's DenyCIDRs.
func denied(sec vmm.SecurityPolicy, ip net.IP) bool {
	for _, cidr := range sec.DenyCIDRs {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if block.Contains(ip) {
			return true
		}
	}
	return false
}
