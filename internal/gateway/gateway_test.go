// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package gateway

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleetwatch/internal/logging"
	"fleetwatch/internal/model"
	"fleetwatch/internal/protocol"
)

// lineDecoder is a trivial newline-delimited test protocol: a line "LOGIN:<imei>"
// binds the connection and acks with "OK\n"; any other line is parsed as
// "POS:<lat>,<lon>" and forwarded as a position.
type lineDecoder struct{}

func (lineDecoder) Name() string               { return "line-test" }
func (lineDecoder) Port() int                  { return 0 }
func (lineDecoder) Transport() protocol.Transport { return protocol.TCP }

func (lineDecoder) Decode(buf []byte, client protocol.ClientInfo) (protocol.Result, int, error) {
	idx := -1
	for i, b := range buf {
		if b == '\n' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return protocol.Result{}, 0, nil
	}
	line := string(buf[:idx])
	consumed := idx + 1

	if len(line) > 6 && line[:6] == "LOGIN:" {
		imei := line[6:]
		return protocol.Result{Event: &protocol.Event{Name: "login", IMEI: imei, ResponseBytes: []byte("OK\n")}}, consumed, nil
	}
	if len(line) > 4 && line[:4] == "POS:" {
		return protocol.Result{Position: &model.NormalizedPosition{IMEI: client.KnownIMEI, Latitude: 1, Longitude: 2}}, consumed, nil
	}
	return protocol.Result{}, consumed, nil
}

func (lineDecoder) EncodeCommand(commandType string, params map[string]any) ([]byte, error) {
	return []byte("CMD:" + commandType + "\n"), nil
}
func (lineDecoder) AvailableCommands() []protocol.CommandInfo          { return nil }
func (lineDecoder) CommandInfo(name string) (protocol.CommandInfo, bool) { return protocol.CommandInfo{}, false }

type fakeHandler struct {
	mu   sync.Mutex
	seen []model.NormalizedPosition
}

func (f *fakeHandler) Process(ctx context.Context, pos model.NormalizedPosition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, pos)
	return nil
}

func (f *fakeHandler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

func TestHandleConnBindsIMEIAndForwardsPosition(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	handler := &fakeHandler{}
	gw := New(protocol.NewRegistry(), handler, nil, logging.Default())

	done := make(chan struct{})
	go func() {
		gw.handleConn(context.Background(), lineDecoder{}, serverConn)
		close(done)
	}()

	_, err := clientConn.Write([]byte("LOGIN:123456\n"))
	require.NoError(t, err)

	ack := make([]byte, 3)
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = clientConn.Read(ack)
	require.NoError(t, err)
	require.Equal(t, "OK\n", string(ack))

	require.True(t, gw.IsOnline("123456"))

	_, err = clientConn.Write([]byte("POS:1,2\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return handler.count() == 1 }, time.Second, 10*time.Millisecond)

	clientConn.Close()
	<-done
	require.False(t, gw.IsOnline("123456"))
}

func TestHandleResultDoesNotRebindOnSameIMEI(t *testing.T) {
	gw := New(protocol.NewRegistry(), &fakeHandler{}, nil, logging.Default())
	var bound string
	w := &discardWriter{}

	gw.handleResult(context.Background(), lineDecoder{}, w, &bound, protocol.Result{
		Event: &protocol.Event{IMEI: "999"},
	})
	require.Equal(t, "999", bound)
	require.True(t, gw.IsOnline("999"))

	gw.handleResult(context.Background(), lineDecoder{}, w, &bound, protocol.Result{
		Event: &protocol.Event{IMEI: "999"},
	})
	require.Equal(t, 1, gw.OnlineCount())
}

type discardWriter struct{}

func (discardWriter) Write(b []byte) (int, error) { return len(b), nil }
