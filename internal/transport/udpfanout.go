package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ledfleet/fleetctl/internal/wire"
)

// FanoutSender owns the hub's single show-UDP socket and writes
// per-node datagrams at the 100Hz tick. Grounded on keskad-loco's
// Z21Roco.connect (net.Dial("udp", ...)), here kept as a single bound
// net.UDPConn since the hub fans out to many per-node addresses rather
// than one peer.
type FanoutSender struct {
	log  *zap.Logger
	conn *net.UDPConn

	mu        sync.RWMutex
	dests     map[int]*net.UDPAddr

	sent atomic.Uint64
}

// NewFanoutSender binds a UDP socket on port for show-packet transmission.
func NewFanoutSender(log *zap.Logger, port int) (*FanoutSender, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("fanout: listen udp :%d: %w", port, err)
	}
	return &FanoutSender{log: log, conn: conn, dests: make(map[int]*net.UDPAddr)}, nil
}

// Close releases the socket.
func (f *FanoutSender) Close() error { return f.conn.Close() }

// SetDest records nodeId's current show-UDP destination, learned from
// its WS hello/keepalive source address.
func (f *FanoutSender) SetDest(nodeID int, addr *net.UDPAddr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dests[nodeID] = addr
}

// RemoveDest drops nodeId's destination (on LOST).
func (f *FanoutSender) RemoveDest(nodeID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.dests, nodeID)
}

// SentCount returns the lifetime count of successfully sent datagrams.
func (f *FanoutSender) SentCount() uint64 { return f.sent.Load() }

// Send writes one show-UDP datagram (header + payload, already
// serialised) to nodeId's destination. A missing destination is a
// silent no-op -- the node simply hasn't been heard from yet.
func (f *FanoutSender) Send(nodeID int, packet []byte) error {
	f.mu.RLock()
	addr, ok := f.dests[nodeID]
	f.mu.RUnlock()
	if !ok {
		return nil
	}
	if len(packet) > wire.ShowHeaderSize+wire.MaxShowPayload {
		return fmt.Errorf("fanout: packet %d bytes exceeds max", len(packet))
	}
	n, err := f.conn.WriteToUDP(packet, addr)
	if err != nil {
		return err
	}
	if n == len(packet) {
		f.sent.Add(1)
	}
	return nil
}

// Broadcast writes packet to every currently known destination.
func (f *FanoutSender) Broadcast(packet []byte) {
	f.mu.RLock()
	dests := make(map[int]*net.UDPAddr, len(f.dests))
	for k, v := range f.dests {
		dests[k] = v
	}
	f.mu.RUnlock()
	for nodeID, addr := range dests {
		if _, err := f.conn.WriteToUDP(packet, addr); err != nil {
			f.log.Debug("fanout write failed", zap.Int("nodeId", nodeID), zap.Error(err))
			continue
		}
		f.sent.Add(1)
	}
}
