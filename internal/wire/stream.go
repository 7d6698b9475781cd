package wire

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unixthat/beer-project/internal/core/debug"
)

// ErrStreakLimit is the consecutive receive-error threshold after which a
// stream is declared dead. NAK-acknowledged failures count toward it; a
// successfully accepted frame resets the count.
const ErrStreakLimit = 3

// ErrHandshake reports a missing or malformed TOKEN line.
var ErrHandshake = errors.New("wire: malformed handshake line")

// Stream is one framed TCP connection. Sends and receives each hold a
// per-direction mutex so concurrent producers cannot interleave the bytes
// of a single frame. The send side owns a monotonic sequence counter and a
// bounded retransmit buffer; the receive side owns a replay window and the
// consecutive-error streak.
type Stream struct {
	conn   net.Conn
	reader *bufio.Reader
	codec  *Codec
	Logger *logrus.Logger

	sendMu sync.Mutex
	seq    uint32
	sent   *RetransmitBuffer

	recvMu    sync.Mutex
	replay    *ReplayWindow
	errStreak int

	closeOnce sync.Once
}

// NewStream wraps an accepted connection. The codec decides whether the
// payloads are encrypted; all streams of one server share a key.
func NewStream(conn net.Conn, codec *Codec) *Stream {
	return &Stream{
		conn:   conn,
		reader: bufio.NewReader(conn),
		codec:  codec,
		sent:   NewRetransmitBuffer(DefaultRetransmitWindow),
		replay: NewReplayWindow(DefaultReplayWindow),
	}
}

func (s *Stream) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// ReadHandshake consumes the single unframed line a client must send before
// any framed traffic: "TOKEN <id>\n". Returns the token id.
func (s *Stream) ReadHandshake(timeout time.Duration) (string, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	defer s.conn.SetReadDeadline(time.Time{})

	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading handshake: %w", err)
	}
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) != 2 || fields[0] != "TOKEN" {
		return "", ErrHandshake
	}
	return fields[1], nil
}

// Send frames v and writes it, retaining the frame for retransmission.
// Each call consumes the next sequence number for this direction.
func (s *Stream) Send(t FrameType, v any) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	seq := s.seq
	s.seq++

	raw, err := s.codec.Pack(t, seq, v)
	if err != nil {
		return err
	}
	s.sent.Add(seq, raw)

	if err := s.write(raw); err != nil {
		return err
	}
	debug.FramesSent.Inc()
	if s.Logger != nil {
		debug.DumpFrame(s.Logger, "send", raw)
	}
	return nil
}

// sendControl emits an ACK or NAK carrying the seq of the frame it refers
// to. Control frames are not buffered and do not consume send seqs.
func (s *Stream) sendControl(t FrameType, seq uint32) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	raw, err := s.codec.Pack(t, seq, nil)
	if err != nil {
		return err
	}
	return s.write(raw)
}

// retransmit re-emits a buffered frame in response to a NAK. A NAK for an
// already-evicted seq is not answered.
func (s *Stream) retransmit(seq uint32) {
	raw, ok := s.sent.Get(seq)
	if !ok {
		return
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.write(raw) == nil {
		debug.Retransmits.Inc()
	}
}

// write pushes raw out until fully sent. Callers hold sendMu.
func (s *Stream) write(raw []byte) error {
	sent := 0
	for sent < len(raw) {
		n, err := s.conn.Write(raw[sent:])
		if err != nil {
			return fmt.Errorf("writing to %s: %w", s.RemoteAddr(), err)
		}
		sent += n
	}
	return nil
}

// Recv blocks until the next acceptable data frame arrives. Control frames
// are consumed internally: an ACK prunes the retransmit buffer, a NAK
// triggers a retransmission. Unpack failures are counted; the third
// consecutive failure returns ErrDead. Accepted frames are ACKed on the
// return path before Recv returns.
func (s *Stream) Recv() (Frame, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	for {
		frame, err := s.codec.ReadFrame(s.reader)
		if err != nil {
			var crcErr *CRCError
			switch {
			case errors.As(err, &crcErr):
				debug.ReceiveErrors.WithLabelValues("crc").Inc()
				// Ask for a retransmission; the sender may or may not
				// still have the frame.
				_ = s.sendControl(FrameNak, crcErr.Seq)
				if s.fail() {
					return Frame{}, ErrDead
				}
				continue
			case errors.Is(err, ErrCrypto):
				debug.ReceiveErrors.WithLabelValues("crypto").Inc()
				if s.fail() {
					return Frame{}, ErrDead
				}
				continue
			case errors.Is(err, ErrParse):
				debug.ReceiveErrors.WithLabelValues("parse").Inc()
				if s.fail() {
					return Frame{}, ErrDead
				}
				continue
			default:
				// Structural frame errors leave the byte stream unsynced;
				// EOF and socket errors mean the transport is gone. Both
				// end the connection.
				return Frame{}, err
			}
		}

		switch frame.Type {
		case FrameAck:
			s.sent.Drop(frame.Seq)
			continue
		case FrameNak:
			s.retransmit(frame.Seq)
			continue
		}

		if !s.replay.Check(frame.Seq) {
			debug.ReceiveErrors.WithLabelValues("replay").Inc()
			if s.fail() {
				return Frame{}, ErrDead
			}
			continue
		}

		s.replay.Update(frame.Seq)
		s.errStreak = 0
		_ = s.sendControl(FrameAck, frame.Seq)
		debug.FramesReceived.Inc()
		return frame, nil
	}
}

// RecvDeadline runs Recv with a read deadline on the underlying socket.
// Use IsTimeout on the returned error to distinguish expiry from death.
func (s *Stream) RecvDeadline(deadline time.Time) (Frame, error) {
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return Frame{}, err
	}
	defer s.conn.SetReadDeadline(time.Time{})
	return s.Recv()
}

// Interrupt forces any blocked read on this stream to fail with a timeout.
// Used to stop a reader loop before handing the transport to a new owner;
// pair with ClearDeadline once the old reader has exited.
func (s *Stream) Interrupt() {
	_ = s.conn.SetReadDeadline(time.Now())
}

// ClearDeadline removes any read deadline left behind by Interrupt.
func (s *Stream) ClearDeadline() {
	_ = s.conn.SetReadDeadline(time.Time{})
}

// fail bumps the consecutive-error streak, reporting whether the stream
// crossed the death threshold.
func (s *Stream) fail() bool {
	s.errStreak++
	return s.errStreak >= ErrStreakLimit
}

// IsTimeout reports whether err is a read-deadline expiry rather than a
// closed or broken transport.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
