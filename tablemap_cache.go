package binlog

import "sync"

// tableMapCache holds the most recent TableMapEvent seen for each table_id.
// A RowsEvent only carries a table_id; decoding its row images requires the
// column layout from the TableMapEvent that preceded it in the same
// transaction, so the cache must survive across events within a binlog file
// and be cleared whenever the server tells us the table definitions may no
// longer apply (a ROTATE_EVENT, or an explicit Reset).
//
// A single stream is read by one goroutine at a time (see the Concurrency
// section), but the cache is guarded by a mutex anyway so a caller that
// wants to inspect it (for metrics, or a Sink peeking at known tables) from
// a second goroutine doesn't race the reader.
type tableMapCache struct {
	mu sync.Mutex
	m  map[uint64]*TableMapEvent
}

func newTableMapCache() *tableMapCache {
	return &tableMapCache{m: make(map[uint64]*TableMapEvent)}
}

func (c *tableMapCache) put(e *TableMapEvent) {
	c.mu.Lock()
	c.m[e.tableID] = e
	c.mu.Unlock()
}

func (c *tableMapCache) get(tableID uint64) (*TableMapEvent, bool) {
	c.mu.Lock()
	e, ok := c.m[tableID]
	c.mu.Unlock()
	return e, ok
}

// reset discards every cached table definition. Called on ROTATE_EVENT
// since a new binlog file may be replayed against a server where table
// definitions changed, and table_id values are only unique within the
// lifetime of a single file's sequence of events.
func (c *tableMapCache) reset() {
	c.mu.Lock()
	c.m = make(map[uint64]*TableMapEvent)
	c.mu.Unlock()
}

// Len reports how many table definitions are currently cached, exposed for
// metrics.go.
func (c *tableMapCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
