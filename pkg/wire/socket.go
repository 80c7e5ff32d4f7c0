package wire

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/giongto35/cloud-relay/pkg/buffer"
	"github.com/giongto35/cloud-relay/pkg/crypto"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	WriteBufferPool: &sync.Pool{},
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Socket is a transport over a WebSocket connection.
// Pings are answered by the default gorilla handler while reading.
type Socket struct {
	conn    *websocket.Conn
	rx, tx  *buffer.Buffer
	maxUnit int
	cipher  atomic.Pointer[crypto.Cipher]
	once    sync.Once
}

// Upgrade turns an HTTP request into a socket transport.
func Upgrade(w http.ResponseWriter, r *http.Request, pools buffer.Pools, maxUnit int) (*Socket, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewSocket(conn, pools, maxUnit), nil
}

// DialSocket connects to a relay WebSocket endpoint, e.g. ws://host/ws.
func DialSocket(ctx context.Context, url string, pools buffer.Pools, maxUnit int) (*Socket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewSocket(conn, pools, maxUnit), nil
}

func NewSocket(conn *websocket.Conn, pools buffer.Pools, maxUnit int) *Socket {
	if maxUnit <= 0 {
		maxUnit = DefaultMaxUnit
	}
	conn.SetReadLimit(int64(maxUnit))
	return &Socket{
		conn:    conn,
		rx:      pools.Rx.Acquire(),
		tx:      pools.Tx.Acquire(),
		maxUnit: maxUnit,
	}
}

func (s *Socket) ReadUnit() (Kind, []byte, error) {
	for {
		mt, r, err := s.conn.NextReader()
		if err != nil {
			if err == websocket.ErrReadLimit {
				return 0, nil, fmt.Errorf("%w: %v", ErrUnitTooLarge, err)
			}
			return 0, nil, err
		}
		var kind Kind
		switch mt {
		case websocket.TextMessage:
			kind = Message
		case websocket.BinaryMessage:
			kind = Binary
		default:
			continue
		}

		buf, err := s.readAll(r)
		if err != nil {
			if err == websocket.ErrReadLimit {
				return 0, nil, fmt.Errorf("%w: %v", ErrUnitTooLarge, err)
			}
			return 0, nil, err
		}
		if c := s.cipher.Load(); c != nil {
			if buf, err = c.Open(buf); err != nil {
				return 0, nil, fmt.Errorf("open %v unit: %w", kind, err)
			}
		}
		return kind, buf, nil
	}
}

// readAll fills the pooled receive buffer, spilling into a fresh slice
// when the message does not fit.
func (s *Socket) readAll(r io.Reader) ([]byte, error) {
	buf := s.rx.B[:cap(s.rx.B)]
	n := 0
	for {
		if n == len(buf) {
			grown := make([]byte, 2*len(buf)+512)
			copy(grown, buf)
			buf = grown
		}
		m, err := r.Read(buf[n:])
		n += m
		if err == io.EOF {
			return buf[:n], nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (s *Socket) WriteUnit(kind Kind, payload []byte) error {
	mt := websocket.TextMessage
	if kind == Binary {
		mt = websocket.BinaryMessage
	}
	if c := s.cipher.Load(); c != nil {
		b := c.Seal(s.tx.B[:0], payload)
		s.tx.B = b[:0]
		payload = b
	}
	if len(payload) > s.maxUnit {
		return fmt.Errorf("%w: %v > %v", ErrUnitTooLarge, len(payload), s.maxUnit)
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(mt, payload)
}

func (s *Socket) SetCipher(c *crypto.Cipher) { s.cipher.Store(c) }

func (s *Socket) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// Close sends a close frame and drops the connection.
func (s *Socket) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.conn.Close()
}

func (s *Socket) Release() {
	s.once.Do(func() {
		s.rx.Release()
		s.tx.Release()
	})
}
