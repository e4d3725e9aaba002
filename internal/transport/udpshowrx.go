package transport

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/ledfleet/fleetctl/internal/wire"
)

// ShowPacket is one received and parsed show-UDP datagram, handed to
// the node coordinator for sequence/token checks and scheduling.
type ShowPacket struct {
	Header  wire.Header
	Payload []byte
}

// ShowReceiver listens for the hub's 100Hz show-UDP fanout. Grounded on
// R2Northstar-Atlas's nspkt.Listener.Serve loop shape: bind once, read
// in a tight loop, hand parsed packets to a channel, exit cleanly on
// context cancellation or socket close.
type ShowReceiver struct {
	log  *zap.Logger
	conn *net.UDPConn

	packets chan ShowPacket
}

// NewShowReceiver binds a UDP socket on port for show-packet reception.
func NewShowReceiver(log *zap.Logger, port int) (*ShowReceiver, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	return &ShowReceiver{log: log, conn: conn, packets: make(chan ShowPacket, 64)}, nil
}

// Packets returns the channel of successfully decoded show packets.
// Malformed datagrams are dropped and logged, never forwarded.
func (r *ShowReceiver) Packets() <-chan ShowPacket { return r.packets }

// Close releases the socket, which unblocks Run.
func (r *ShowReceiver) Close() error { return r.conn.Close() }

// LocalAddr reports the bound socket address, chiefly so callers that
// bound to port 0 can discover the OS-assigned port.
func (r *ShowReceiver) LocalAddr() net.Addr { return r.conn.LocalAddr() }

// Run reads datagrams until ctx is cancelled or the socket closes.
func (r *ShowReceiver) Run(ctx context.Context) {
	buf := make([]byte, 2048)
	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()
	for {
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Debug("show rx: read error", zap.Error(err))
			return
		}
		hdr, payload, err := wire.UnmarshalHeader(buf[:n])
		if err != nil {
			r.log.Debug("show rx: malformed packet", zap.Error(err))
			continue
		}
		pkt := ShowPacket{Header: hdr, Payload: append([]byte(nil), payload...)}
		select {
		case r.packets <- pkt:
		case <-ctx.Done():
			return
		default:
			r.log.Warn("show rx: packet channel full, dropping")
		}
	}
}
