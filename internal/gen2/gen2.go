// Package gen2 fetches visit numbers from the Gen2 observatory sequencer.
// What PFS calls a "visit", Gen2 calls a "frame".
package gen2

import (
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"
)

// Client talks JSON-RPC to the Gen2 frame service. Calls are synchronous and
// unretried: a failure propagates to the caller, and a hung sequencer hangs
// the caller past the dial stage.
type Client struct {
	addr    string
	timeout time.Duration

	mu  sync.Mutex
	rpc *rpc.Client
}

// NewClient prepares a client for the Gen2 service at addr. The connection is
// dialed lazily on the first fetch.
func NewClient(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{addr: addr, timeout: timeout}
}

type fetchVisitArgs struct {
	DesignID string // hex, or empty when the visit is not tied to a design
}

type fetchVisitReply struct {
	Visit int
}

// FetchVisit obtains a fresh globally-unique visit number. A nonzero designID
// tells Gen2 which field the visit belongs to.
func (c *Client) FetchVisit(designID uint64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rpc == nil {
		conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
		if err != nil {
			return 0, fmt.Errorf("gen2 dial %s: %w", c.addr, err)
		}
		c.rpc = jsonrpc.NewClient(conn)
	}

	args := fetchVisitArgs{}
	if designID != 0 {
		args.DesignID = fmt.Sprintf("0x%016x", designID)
	}
	var reply fetchVisitReply
	if err := c.rpc.Call("Gen2.FetchVisit", &args, &reply); err != nil {
		// drop the connection so the next fetch redials
		c.rpc.Close()
		c.rpc = nil
		return 0, fmt.Errorf("gen2 fetch visit: %w", err)
	}
	if reply.Visit <= 0 {
		return 0, fmt.Errorf("gen2 returned invalid visit %d", reply.Visit)
	}
	return reply.Visit, nil
}

// Close shuts down the connection, if one was dialed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc == nil {
		return nil
	}
	err := c.rpc.Close()
	c.rpc = nil
	return err
}

// Simulated hands out sequential visit numbers without a Gen2 connection,
// for tests and bench operation.
type Simulated struct {
	mu   sync.Mutex
	next int
}

// NewSimulated returns a sequencer whose first visit is first.
func NewSimulated(first int) *Simulated {
	if first <= 0 {
		first = 1
	}
	return &Simulated{next: first}
}

// FetchVisit returns the next number in the sequence.
func (s *Simulated) FetchVisit(designID uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	visit := s.next
	s.next++
	return visit, nil
}
