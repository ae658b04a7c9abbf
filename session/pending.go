package session

import (
	"strconv"
	"sync"
	"time"

	"github.com/prism-mcp/prism/protocol"
)

const pendingShards = 16

// outcome is the single resolution of a pending request. Exactly one outcome
// reaches each waiter: a response, a timeout, a cancellation, or transport
// loss.
type outcome struct {
	response *protocol.JSONRPCResponse
	err      error
}

// pendingRequest tracks one outbound request awaiting its response.
type pendingRequest struct {
	id       protocol.RequestID
	deadline time.Time
	done     chan outcome
	once     sync.Once
	timer    *time.Timer
}

// resolve delivers the outcome exactly once. Late resolutions (a response
// racing a timeout, say) are dropped.
func (p *pendingRequest) resolve(out outcome) bool {
	delivered := false
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- out
		delivered = true
	})
	return delivered
}

// pendingTable is the shard-locked table of in-flight outbound requests.
// Numeric ids select their shard by id mod 16; string ids hash their rendered
// form, so string and numeric ids coexist.
type pendingTable struct {
	shards [pendingShards]struct {
		mu sync.Mutex
		m  map[string]*pendingRequest
	}
}

func newPendingTable() *pendingTable {
	t := &pendingTable{}
	for i := range t.shards {
		t.shards[i].m = make(map[string]*pendingRequest)
	}
	return t
}

func (t *pendingTable) shardFor(key string) *struct {
	mu sync.Mutex
	m  map[string]*pendingRequest
} {
	if n, err := strconv.ParseInt(key, 10, 64); err == nil {
		return &t.shards[((n%pendingShards)+pendingShards)%pendingShards]
	}
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return &t.shards[h%pendingShards]
}

func (t *pendingTable) insert(p *pendingRequest) {
	shard := t.shardFor(p.id.String())
	shard.mu.Lock()
	shard.m[p.id.String()] = p
	shard.mu.Unlock()
}

// remove takes the entry out of the table, returning it if present.
func (t *pendingTable) remove(id protocol.RequestID) *pendingRequest {
	shard := t.shardFor(id.String())
	shard.mu.Lock()
	defer shard.mu.Unlock()
	p, ok := shard.m[id.String()]
	if !ok {
		return nil
	}
	delete(shard.m, id.String())
	return p
}

// drain empties the table, returning every entry. Used at session close.
func (t *pendingTable) drain() []*pendingRequest {
	var all []*pendingRequest
	for i := range t.shards {
		shard := &t.shards[i]
		shard.mu.Lock()
		for key, p := range shard.m {
			all = append(all, p)
			delete(shard.m, key)
		}
		shard.mu.Unlock()
	}
	return all
}
