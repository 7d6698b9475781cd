package wire

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// streamPair returns two connected Streams over a loopback TCP socket.
func streamPair(t *testing.T) (*Stream, *Stream) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("error initializing test listener: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	clientConn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
	if err != nil {
		t.Fatalf("error initializing test connection: %v", err)
	}
	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("error accepting test connection: %v", err)
	}

	codec, _ := NewCodec(nil)
	server := NewStream(serverConn, codec)
	client := NewStream(clientConn, codec)
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

type testPayload struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func TestStream_SendRecv(t *testing.T) {
	server, client := streamPair(t)

	go func() {
		_ = client.Send(FrameGame, testPayload{Type: "info", Text: "hello"})
	}()

	frame, err := server.Recv()
	if err != nil {
		t.Fatalf("Recv() returned an unexpected error: %v", err)
	}
	if frame.Type != FrameGame || frame.Seq != 0 {
		t.Errorf("frame header want = (GAME, 0), got = (%v, %d)", frame.Type, frame.Seq)
	}
	var got testPayload
	if err := frame.Decode(&got); err != nil {
		t.Fatalf("Decode() returned an unexpected error: %v", err)
	}
	if got.Text != "hello" {
		t.Errorf("payload text want = hello, got = %s", got.Text)
	}
}

func TestStream_AckPrunesRetransmitBuffer(t *testing.T) {
	server, client := streamPair(t)

	if err := client.Send(FrameGame, testPayload{Type: "info", Text: "x"}); err != nil {
		t.Fatalf("Send() returned an unexpected error: %v", err)
	}
	if client.sent.Len() != 1 {
		t.Fatalf("retransmit buffer length want = 1, got = %d", client.sent.Len())
	}

	// Receiving the frame emits the ACK on the return path; the client
	// consumes it during its next Recv, which we force with a deadline.
	if _, err := server.Recv(); err != nil {
		t.Fatalf("server Recv() returned an unexpected error: %v", err)
	}
	_, err := client.RecvDeadline(time.Now().Add(500 * time.Millisecond))
	if !IsTimeout(err) {
		t.Fatalf("client RecvDeadline() want timeout after consuming ACK, got = %v", err)
	}

	if client.sent.Len() != 0 {
		t.Errorf("retransmit buffer should be empty after ACK, got %d entries", client.sent.Len())
	}
}

func TestStream_NakTriggersRetransmit(t *testing.T) {
	server, client := streamPair(t)

	if err := client.Send(FrameGame, testPayload{Type: "info", Text: "resend me"}); err != nil {
		t.Fatalf("Send() returned an unexpected error: %v", err)
	}

	// Read the frame without ACKing it, then NAK it: the client must
	// re-emit the exact same frame once.
	first, err := readRawFrame(t, server)
	if err != nil {
		t.Fatalf("error reading original frame: %v", err)
	}
	if err := server.sendControl(FrameNak, first.Seq); err != nil {
		t.Fatalf("sendControl() returned an unexpected error: %v", err)
	}
	if _, err := client.RecvDeadline(time.Now().Add(500 * time.Millisecond)); !IsTimeout(err) {
		t.Fatalf("client RecvDeadline() want timeout after handling NAK, got = %v", err)
	}

	second, err := readRawFrame(t, server)
	if err != nil {
		t.Fatalf("error reading retransmitted frame: %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("retransmitted frame did not match the original; diff:\n%s", diff)
	}

	// A NAK for an evicted (never-sent) seq is not answered.
	if err := server.sendControl(FrameNak, 999); err != nil {
		t.Fatalf("sendControl() returned an unexpected error: %v", err)
	}
	if _, err := client.RecvDeadline(time.Now().Add(300 * time.Millisecond)); !IsTimeout(err) {
		t.Fatalf("client RecvDeadline() want timeout, got = %v", err)
	}
	if _, err := server.RecvDeadline(time.Now().Add(300 * time.Millisecond)); !IsTimeout(err) {
		t.Fatalf("server RecvDeadline() want timeout (nothing retransmitted), got = %v", err)
	}
}

func TestStream_ReplayRejection(t *testing.T) {
	server, client := streamPair(t)
	codec, _ := NewCodec(nil)

	// Drive the server well past the replay window, then replay seq 0.
	go func() {
		for seq := uint32(0); seq <= uint32(DefaultReplayWindow); seq++ {
			raw, _ := codec.Pack(FrameGame, seq, testPayload{Type: "info"})
			if _, err := client.conn.Write(raw); err != nil {
				return
			}
		}
		raw, _ := codec.Pack(FrameGame, 0, testPayload{Type: "info"})
		_, _ = client.conn.Write(raw)
	}()

	for seq := uint32(0); seq <= uint32(DefaultReplayWindow); seq++ {
		frame, err := server.Recv()
		if err != nil {
			t.Fatalf("Recv() at seq %d returned an unexpected error: %v", seq, err)
		}
		if frame.Seq != seq {
			t.Fatalf("frame seq want = %d, got = %d", seq, frame.Seq)
		}
	}

	// The replayed frame is discarded silently; nothing else arrives.
	if _, err := server.RecvDeadline(time.Now().Add(500 * time.Millisecond)); !IsTimeout(err) {
		t.Fatalf("RecvDeadline() want timeout after replay discard, got = %v", err)
	}
}

func TestStream_ThreeCRCFailuresKillTheStream(t *testing.T) {
	server, client := streamPair(t)
	codec, _ := NewCodec(nil)

	recvErr := make(chan error, 1)
	go func() {
		_, err := server.Recv()
		recvErr <- err
	}()

	// Three frames in a row with a corrupted CRC.
	for seq := uint32(0); seq < 3; seq++ {
		raw, _ := codec.Pack(FrameGame, seq, testPayload{Type: "info"})
		raw[12] ^= 0xFF
		if _, err := client.conn.Write(raw); err != nil {
			t.Fatalf("error writing corrupt frame: %v", err)
		}
	}

	select {
	case err := <-recvErr:
		if !errors.Is(err, ErrDead) {
			t.Fatalf("Recv() error want = ErrDead, got = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv() did not fail after three corrupt frames")
	}

	// The server NAKed each corrupt frame before giving up.
	for want := uint32(0); want < 3; want++ {
		frame, err := readRawFrame(t, client)
		if err != nil {
			t.Fatalf("error reading NAK %d: %v", want, err)
		}
		if frame.Type != FrameNak || frame.Seq != want {
			t.Errorf("control frame want = (NAK, %d), got = (%v, %d)", want, frame.Type, frame.Seq)
		}
	}
}

// readRawFrame pulls one frame off the given stream's connection without
// the Stream's control-frame handling.
func readRawFrame(t *testing.T, s *Stream) (Frame, error) {
	t.Helper()
	if err := s.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		return Frame{}, err
	}
	defer s.conn.SetReadDeadline(time.Time{})
	return s.codec.ReadFrame(s.reader)
}

func TestStream_SuccessResetsErrorStreak(t *testing.T) {
	server, client := streamPair(t)
	codec, _ := NewCodec(nil)

	writeCorrupt := func(seq uint32) {
		raw, _ := codec.Pack(FrameGame, seq, testPayload{Type: "info"})
		raw[12] ^= 0xFF
		if _, err := client.conn.Write(raw); err != nil {
			t.Fatalf("error writing corrupt frame: %v", err)
		}
	}

	// Two failures, one success, two more failures: never three in a row.
	writeCorrupt(0)
	writeCorrupt(1)
	good, _ := codec.Pack(FrameGame, 2, testPayload{Type: "info"})
	if _, err := client.conn.Write(good); err != nil {
		t.Fatalf("error writing good frame: %v", err)
	}
	frame, err := server.Recv()
	if err != nil {
		t.Fatalf("Recv() returned an unexpected error: %v", err)
	}
	if frame.Seq != 2 {
		t.Fatalf("frame seq want = 2, got = %d", frame.Seq)
	}

	writeCorrupt(3)
	writeCorrupt(4)
	if _, err := server.RecvDeadline(time.Now().Add(500 * time.Millisecond)); !IsTimeout(err) {
		t.Fatalf("RecvDeadline() want timeout (streak reset), got = %v", err)
	}
}

func TestStream_ReadHandshake(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantToken string
		wantErr   bool
	}{
		{name: "valid token", line: "TOKEN PID1234\n", wantToken: "PID1234"},
		{name: "padded token", line: "TOKEN  abc-def \n", wantToken: "abc-def"},
		{name: "missing id", line: "TOKEN\n", wantErr: true},
		{name: "wrong verb", line: "HELLO PID1\n", wantErr: true},
		{name: "trailing garbage", line: "TOKEN a b\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, client := streamPair(t)
			go func() {
				_, _ = client.conn.Write([]byte(tt.line))
			}()

			token, err := server.ReadHandshake(time.Second)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ReadHandshake() want error, got token %q", token)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadHandshake() returned an unexpected error: %v", err)
			}
			if token != tt.wantToken {
				t.Errorf("token want = %q, got = %q", tt.wantToken, token)
			}
		})
	}
}

func TestStream_HandshakeTimeout(t *testing.T) {
	server, _ := streamPair(t)

	start := time.Now()
	_, err := server.ReadHandshake(200 * time.Millisecond)
	if err == nil {
		t.Fatal("ReadHandshake() should have timed out")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("ReadHandshake() took too long to time out: %v", elapsed)
	}
}

// Guard against accidental header layout drift: the CRC must cover the
// first 12 header bytes plus the payload, big-endian throughout.
func TestStream_WireLayout(t *testing.T) {
	codec, _ := NewCodec(nil)
	raw, err := codec.Pack(FrameChat, 0x01020304, map[string]string{"type": "chat"})
	if err != nil {
		t.Fatalf("Pack() returned an unexpected error: %v", err)
	}

	if got := binary.BigEndian.Uint16(raw[0:2]); got != 0xBEEF {
		t.Errorf("magic want = 0xBEEF, got = %#x", got)
	}
	if raw[2] != 1 {
		t.Errorf("version want = 1, got = %d", raw[2])
	}
	if raw[3] != byte(FrameChat) {
		t.Errorf("type byte want = %d, got = %d", FrameChat, raw[3])
	}
	if got := binary.BigEndian.Uint32(raw[4:8]); got != 0x01020304 {
		t.Errorf("seq want = 0x01020304, got = %#x", got)
	}
	payloadLen := binary.BigEndian.Uint32(raw[8:12])
	if int(payloadLen) != len(raw)-HeaderSize {
		t.Errorf("declared length %d does not match payload %d", payloadLen, len(raw)-HeaderSize)
	}

	crc := crc32.ChecksumIEEE(raw[0:12])
	crc = crc32.Update(crc, crc32.IEEETable, raw[HeaderSize:])
	if got := binary.BigEndian.Uint32(raw[12:16]); got != crc {
		t.Errorf("crc want = %#x, got = %#x", crc, got)
	}
}
