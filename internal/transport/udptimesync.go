package transport

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/ledfleet/fleetctl/internal/wire"
)

// TSListener is the hub's time-sync responder: for every Ping received,
// it stamps t2/t3 as late as possible and writes back a Pong to the
// sender. Grounded on the same nspkt.Listener receive-loop shape as
// ShowReceiver, specialised to a request/reply pattern instead of pure
// fanout.
type TSListener struct {
	log   *zap.Logger
	conn  *net.UDPConn
	nowUs func() int64
}

// NewTSListener binds a UDP socket on port for time-sync exchanges.
// nowUs supplies the hub's monotonic clock reading.
func NewTSListener(log *zap.Logger, port int, nowUs func() int64) (*TSListener, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	return &TSListener{log: log, conn: conn, nowUs: nowUs}, nil
}

// Close releases the socket, which unblocks Run.
func (l *TSListener) Close() error { return l.conn.Close() }

// Run answers Pings until ctx is cancelled or the socket closes.
func (l *TSListener) Run(ctx context.Context) {
	buf := make([]byte, wire.TSPingSize+16)
	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Debug("ts listener: read error", zap.Error(err))
			return
		}
		t2 := l.nowUs()
		ping, err := wire.UnmarshalPing(buf[:n])
		if err != nil {
			l.log.Debug("ts listener: malformed ping", zap.Error(err))
			continue
		}
		t3 := l.nowUs()
		pong := wire.Pong{
			Proto:     wire.ProtoVersion,
			Seq:       ping.Seq,
			TokenHash: ping.TokenHash,
			T1:        ping.T1,
			T2:        uint64(t2),
			T3:        uint64(t3),
		}
		if _, err := l.conn.WriteToUDP(wire.MarshalPong(pong), addr); err != nil {
			l.log.Debug("ts listener: write failed", zap.Error(err))
		}
	}
}

// TSClient is the node's time-sync requester: it sends a Ping and
// returns the matching Pong, or a timeout error. One Ping/Pong exchange
// at a time, matching the node coordinator's periodic sync tick.
type TSClient struct {
	conn *net.UDPConn
}

// NewTSClient dials the hub's time-sync port.
func NewTSClient(hubAddr string, port int) (*TSClient, error) {
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.ParseIP(hubAddr), Port: port})
	if err != nil {
		return nil, err
	}
	return &TSClient{conn: conn}, nil
}

// Close releases the socket.
func (c *TSClient) Close() error { return c.conn.Close() }

// SendPing writes a single Ping frame.
func (c *TSClient) SendPing(p wire.Ping) error {
	_, err := c.conn.Write(wire.MarshalPing(p))
	return err
}

// ReadPong blocks for the next Pong frame on this socket.
func (c *TSClient) ReadPong() (wire.Pong, error) {
	buf := make([]byte, wire.TSPongSize+16)
	n, err := c.conn.Read(buf)
	if err != nil {
		return wire.Pong{}, err
	}
	return wire.UnmarshalPong(buf[:n])
}
