package wire

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/giongto35/cloud-relay/pkg/buffer"
	"github.com/giongto35/cloud-relay/pkg/crypto"
)

// Stream is a length-prefixed transport over a byte stream.
type Stream struct {
	conn    net.Conn
	r       *bufio.Reader
	hdr     [headerSize]byte
	rx, tx  *buffer.Buffer
	maxUnit int
	cipher  atomic.Pointer[crypto.Cipher]
	once    sync.Once
}

func NewStream(conn net.Conn, pools buffer.Pools, maxUnit int) *Stream {
	if maxUnit <= 0 {
		maxUnit = DefaultMaxUnit
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
	}
	return &Stream{
		conn:    conn,
		r:       bufio.NewReader(conn),
		rx:      pools.Rx.Acquire(),
		tx:      pools.Tx.Acquire(),
		maxUnit: maxUnit,
	}
}

// Dial opens a stream to a relay address.
func Dial(ctx context.Context, address string, pools buffer.Pools, maxUnit int) (*Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return NewStream(conn, pools, maxUnit), nil
}

func (s *Stream) ReadUnit() (Kind, []byte, error) {
	if _, err := io.ReadFull(s.r, s.hdr[:]); err != nil {
		return 0, nil, err
	}
	n := int(binary.BigEndian.Uint32(s.hdr[:4]))
	kind := Kind(s.hdr[4])
	if kind != Message && kind != Binary {
		return 0, nil, fmt.Errorf("%w: %v", ErrBadKind, s.hdr[4])
	}
	if n > s.maxUnit {
		return 0, nil, fmt.Errorf("%w: %v > %v", ErrUnitTooLarge, n, s.maxUnit)
	}

	var buf []byte
	if n <= len(s.rx.B) {
		buf = s.rx.B[:n]
	} else {
		buf = make([]byte, n)
	}
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return 0, nil, err
	}

	if c := s.cipher.Load(); c != nil {
		plain, err := c.Open(buf)
		if err != nil {
			return 0, nil, fmt.Errorf("open %v unit: %w", kind, err)
		}
		buf = plain
	}
	return kind, buf, nil
}

// WriteUnit writes the header and payload with a single Write.
func (s *Stream) WriteUnit(kind Kind, payload []byte) error {
	b := append(s.tx.B[:0], 0, 0, 0, 0, byte(kind))
	if c := s.cipher.Load(); c != nil {
		b = c.Seal(b, payload)
	} else {
		b = append(b, payload...)
	}
	s.tx.B = b[:0]

	n := len(b) - headerSize
	if n > s.maxUnit {
		return fmt.Errorf("%w: %v > %v", ErrUnitTooLarge, n, s.maxUnit)
	}
	binary.BigEndian.PutUint32(b[:4], uint32(n))

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	_, err := s.conn.Write(b)
	return err
}

func (s *Stream) SetCipher(c *crypto.Cipher) { s.cipher.Store(c) }

func (s *Stream) RemoteAddr() string { return s.conn.RemoteAddr().String() }

func (s *Stream) Close() error { return s.conn.Close() }

func (s *Stream) Release() {
	s.once.Do(func() {
		s.rx.Release()
		s.tx.Release()
	})
}
