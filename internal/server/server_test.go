package server

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunecast-project/tunecast/internal/config"
	"github.com/tunecast-project/tunecast/internal/events"
	"github.com/tunecast-project/tunecast/internal/network"
	"github.com/tunecast-project/tunecast/internal/playback"
)

const rfcNonce = "dGhlIHNhbXBsZSBub25jZQ=="

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Plugin.Host = "127.0.0.1"
	cfg.Plugin.Port = 0
	return cfg
}

func startServer(t *testing.T, bus *events.EventBus, opts ...Option) (*Server, string) {
	t.Helper()
	srv := New(testConfig(), bus, opts...)
	require.NoError(t, srv.Start(context.Background(), nil))
	t.Cleanup(srv.Stop)

	addr, err := srv.Addr()
	require.NoError(t, err)
	return srv, addr
}

type wsClient struct {
	conn net.Conn
	br   *bufio.Reader
	resp *http.Response
}

func dialUpgrade(t *testing.T, addr, key string) *wsClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	req := "GET /ws HTTP/1.1\r\nHost: " + addr + "\r\n" +
		"Upgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Version: 13\r\n"
	if key != "" {
		req += "Sec-WebSocket-Key: " + key + "\r\n"
	}
	req += "\r\n"
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	return &wsClient{conn: conn, br: br, resp: resp}
}

// readFrame returns one raw frame, header included.
func (c *wsClient) readFrame(t *testing.T) []byte {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	header := make([]byte, 2)
	_, err := io.ReadFull(c.br, header)
	require.NoError(t, err)

	n := int(header[1])
	raw := header
	if n == 126 {
		ext := make([]byte, 2)
		_, err := io.ReadFull(c.br, ext)
		require.NoError(t, err)
		n = int(binary.BigEndian.Uint16(ext))
		raw = append(raw, ext...)
	}

	payload := make([]byte, n)
	_, err = io.ReadFull(c.br, payload)
	require.NoError(t, err)
	return append(raw, payload...)
}

func (c *wsClient) expectNoFrame(t *testing.T) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, err := c.br.ReadByte()
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func payloadOf(frame []byte) string {
	if frame[1] == 126 {
		return string(frame[4:])
	}
	return string(frame[2:])
}

func TestHandshakeWithReferenceNonce(t *testing.T) {
	_, addr := startServer(t, nil)

	c := dialUpgrade(t, addr, rfcNonce)
	assert.Equal(t, http.StatusSwitchingProtocols, c.resp.StatusCode)
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", c.resp.Header.Get("Sec-WebSocket-Accept"))
	assert.Equal(t, "websocket", c.resp.Header.Get("Upgrade"))

	frame := c.readFrame(t)
	assert.Equal(t, byte(0x81), frame[0])
	assert.Equal(t, `{"playbackInfo":null}`, payloadOf(frame))
}

func TestUpgradeKeepsAcceptID(t *testing.T) {
	srv, addr := startServer(t, nil)

	c := dialUpgrade(t, addr, rfcNonce)
	c.readFrame(t)

	rows := srv.Registry().Snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, network.ConnID(1), rows[0].ID)
	assert.Equal(t, "upgraded", rows[0].Kind)
	assert.Equal(t, 0, srv.Registry().Count(network.KindPlain))
}

func TestInitialFrameCarriesCurrentInfo(t *testing.T) {
	srv := New(testConfig(), nil)

	// stored before the listener exists, sent on connect
	srv.Update(playback.Info{Title: "Song", Artist: "Band", ElapsedSeconds: 3})
	require.NoError(t, srv.Start(context.Background(), nil))
	defer srv.Stop()
	addr, err := srv.Addr()
	require.NoError(t, err)

	c := dialUpgrade(t, addr, rfcNonce)
	assert.JSONEq(t,
		`{"playbackInfo":{"title":"Song","artist":"Band","elapsedSeconds":3}}`,
		payloadOf(c.readFrame(t)))
}

func TestBroadcastIsByteIdentical(t *testing.T) {
	srv, addr := startServer(t, nil)

	a := dialUpgrade(t, addr, rfcNonce)
	b := dialUpgrade(t, addr, "x3JJHMbDL1EzLkh9GBhXDw==")
	a.readFrame(t)
	b.readFrame(t)

	srv.Update(playback.Info{Title: "X", Artist: "Y", ElapsedSeconds: 5})

	fa := a.readFrame(t)
	fb := b.readFrame(t)
	assert.Equal(t, fa, fb)
	assert.Equal(t, byte(0x81), fa[0])

	filler := playback.Filler
	assert.JSONEq(t,
		fmt.Sprintf(`{"playbackInfo":{"title":"X%s","artist":"Y%s","elapsedSeconds":5}}`, filler, filler),
		payloadOf(fa))

	// the stored value keeps the raw strings
	info, ok := srv.Current()
	require.True(t, ok)
	assert.Equal(t, "X", info.Title)
}

func TestEmptyUpdateIsIgnored(t *testing.T) {
	srv, addr := startServer(t, nil)

	c := dialUpgrade(t, addr, rfcNonce)
	c.readFrame(t)

	srv.Update(playback.Info{ElapsedSeconds: 42})
	c.expectNoFrame(t)

	_, ok := srv.Current()
	assert.False(t, ok)
}

func TestExtendedLengthFrame(t *testing.T) {
	srv, addr := startServer(t, nil)

	c := dialUpgrade(t, addr, rfcNonce)
	c.readFrame(t)

	title := make([]byte, 300)
	for i := range title {
		title[i] = 'a'
	}
	srv.Update(playback.Info{Title: string(title), Artist: "Band"})

	frame := c.readFrame(t)
	assert.Equal(t, byte(126), frame[1])
	assert.Equal(t, len(frame)-4, int(binary.BigEndian.Uint16(frame[2:4])))
}

func TestMissingKeyIsRejected(t *testing.T) {
	srv, addr := startServer(t, nil)

	c := dialUpgrade(t, addr, "")
	assert.Equal(t, http.StatusBadRequest, c.resp.StatusCode)

	require.Eventually(t, func() bool {
		return srv.Registry().Count(network.KindPlain) == 0 &&
			srv.Registry().Count(network.KindUpgraded) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPlainReadKeepAlive(t *testing.T) {
	srv, addr := startServer(t, nil)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	br := bufio.NewReader(conn)

	get := func(extra string) (*http.Response, string) {
		_, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: test\r\n" + extra + "\r\n"))
		require.NoError(t, err)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		resp, err := http.ReadResponse(br, nil)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, string(body)
	}

	resp, body := get("")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, int64(len(body)), resp.ContentLength)
	assert.Equal(t, `{"songInfo":null}`, body)

	srv.Update(playback.Info{Title: "Song", Artist: "Band"})
	_, body = get("")
	assert.JSONEq(t, `{"songInfo":{"title":"Song","artist":"Band","elapsedSeconds":0}}`, body)

	get("Connection: close\r\n")
	_, err = br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool {
		return srv.Registry().Count(network.KindPlain) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientCloseUnregisters(t *testing.T) {
	srv, addr := startServer(t, nil)

	c := dialUpgrade(t, addr, rfcNonce)
	c.readFrame(t)
	// client frames are read and dropped
	_, err := c.conn.Write([]byte{0x81, 0x82, 1, 2, 3, 4, 'h', 'i'})
	require.NoError(t, err)
	require.Equal(t, 1, srv.Registry().Count(network.KindUpgraded))

	c.conn.Close()
	require.Eventually(t, func() bool {
		return srv.Registry().Count(network.KindUpgraded) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopClosesEverything(t *testing.T) {
	srv, addr := startServer(t, nil)

	upgraded := []*wsClient{dialUpgrade(t, addr, rfcNonce), dialUpgrade(t, addr, rfcNonce)}
	for _, c := range upgraded {
		c.readFrame(t)
	}

	var plain []net.Conn
	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		defer conn.Close()
		plain = append(plain, conn)
	}
	require.Eventually(t, func() bool {
		return srv.Registry().Count(network.KindPlain) == 3
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, srv.Registry().Count(network.KindUpgraded))

	srv.Stop()

	assert.Equal(t, 0, srv.Registry().Count(network.KindPlain))
	assert.Equal(t, 0, srv.Registry().Count(network.KindUpgraded))

	streams := plain
	for _, c := range upgraded {
		streams = append(streams, c.conn)
	}
	for _, conn := range streams {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, err := conn.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF)
	}

	status := srv.Status()
	assert.Equal(t, "stopped", status.State)
	assert.False(t, status.Ready)

	// idempotent
	srv.Stop()
}

func TestStalledPeerDoesNotBlockBroadcastOrStop(t *testing.T) {
	srv, addr := startServer(t, nil)

	stalled := dialUpgrade(t, addr, rfcNonce)
	stalled.readFrame(t)

	active := dialUpgrade(t, addr, rfcNonce)
	active.readFrame(t)

	// drain the active peer in the background
	titles := make(chan string, 1024)
	go func() {
		for {
			if err := active.conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
				return
			}
			header := make([]byte, 2)
			if _, err := io.ReadFull(active.br, header); err != nil {
				return
			}
			n := int(header[1])
			if n == 126 {
				ext := make([]byte, 2)
				if _, err := io.ReadFull(active.br, ext); err != nil {
					return
				}
				n = int(binary.BigEndian.Uint16(ext))
			}
			payload := make([]byte, n)
			if _, err := io.ReadFull(active.br, payload); err != nil {
				return
			}
			var msg struct {
				PlaybackInfo *playback.Info `json:"playbackInfo"`
			}
			if json.Unmarshal(payload, &msg) == nil && msg.PlaybackInfo != nil {
				select {
				case titles <- msg.PlaybackInfo.Title:
				default:
				}
			}
		}
	}()

	// enough large frames to fill the stalled peer's socket buffers
	big := strings.Repeat("x", 60000)
	flooded := make(chan struct{})
	go func() {
		defer close(flooded)
		for i := 0; i < 300; i++ {
			srv.Update(playback.Info{Title: big, Artist: fmt.Sprintf("artist %d", i)})
		}
	}()
	select {
	case <-flooded:
	case <-time.After(5 * time.Second):
		t.Fatal("Update blocked behind a peer that stopped reading")
	}

	statusDone := make(chan struct{})
	go func() {
		srv.Status()
		close(statusDone)
	}()
	select {
	case <-statusDone:
	case <-time.After(time.Second):
		t.Fatal("Status blocked behind a peer that stopped reading")
	}

	// the active peer keeps receiving once its own queue drains
	require.Eventually(t, func() bool {
		srv.Update(playback.Info{Title: "still here", Artist: "B"})
		for {
			select {
			case title := <-titles:
				if title == "still here" {
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 50*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		srv.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop hung on a peer that stopped reading")
	}

	assert.Equal(t, 0, srv.Registry().Count(network.KindUpgraded))
	assert.Equal(t, 0, srv.Registry().Count(network.KindPlain))
}

func TestStartDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Plugin.Enabled = false
	srv := New(cfg, nil)

	require.NoError(t, srv.Start(context.Background(), nil))
	_, err := srv.Addr()
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Equal(t, "stopped", srv.Status().State)

	// stored, never sent
	srv.Update(playback.Info{Title: "Song", Artist: "Band"})
	_, ok := srv.Current()
	assert.True(t, ok)
	srv.Stop()
}

func TestStartTwice(t *testing.T) {
	srv, _ := startServer(t, nil)
	assert.ErrorIs(t, srv.Start(context.Background(), nil), ErrAlreadyRunning)
}

func TestBindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig()
	cfg.Plugin.Port = busy.Addr().(*net.TCPAddr).Port
	srv := New(cfg, nil)

	err = srv.Start(context.Background(), nil)
	require.Error(t, err)
	status := srv.Status()
	assert.False(t, status.Ready)
	assert.False(t, status.Listening)
	assert.Equal(t, "stopped", status.State)
}

func TestElapsedTickThrottle(t *testing.T) {
	clock := newFakeClock()
	srv := New(testConfig(), nil, WithClock(clock.Now))

	assert.False(t, srv.OnElapsedTick(1), "no current info")

	srv.Update(playback.Info{Title: "Song", Artist: "Band"})
	assert.True(t, srv.OnElapsedTick(10))

	clock.Advance(2 * time.Second)
	assert.False(t, srv.OnElapsedTick(12))
	info, _ := srv.Current()
	assert.Equal(t, 10.0, info.ElapsedSeconds)

	clock.Advance(3 * time.Second)
	assert.True(t, srv.OnElapsedTick(15))
	info, _ = srv.Current()
	assert.Equal(t, 15.0, info.ElapsedSeconds)
	assert.Equal(t, "Song", info.Title)
}

func TestOnConfigChangeResends(t *testing.T) {
	srv, addr := startServer(t, nil)

	c := dialUpgrade(t, addr, rfcNonce)
	c.readFrame(t)

	srv.Update(playback.Info{Title: "Song", Artist: "Band"})
	first := c.readFrame(t)

	srv.OnConfigChange(testConfig())
	assert.Equal(t, first, c.readFrame(t))
}

func TestBusEventsDriveBroadcast(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	broadcasts := make(chan events.BroadcastPayload, 4)
	bus.Subscribe(events.EventPlaybackBroadcast, "test", func(_ context.Context, e events.Event) error {
		broadcasts <- e.Payload.(events.BroadcastPayload)
		return nil
	})

	clock := newFakeClock()
	_, addr := startServer(t, bus, WithClock(clock.Now))
	c := dialUpgrade(t, addr, rfcNonce)
	c.readFrame(t)

	require.NoError(t, bus.EmitSync(context.Background(), events.Event{
		Type:    events.EventTrackChanged,
		Payload: playback.Info{Title: "Song", Artist: "Band"},
	}))
	assert.JSONEq(t,
		`{"playbackInfo":{"title":"Song","artist":"Band","elapsedSeconds":0}}`,
		payloadOf(c.readFrame(t)))

	require.NoError(t, bus.EmitSync(context.Background(), events.Event{
		Type:    events.EventElapsedTime,
		Payload: events.ElapsedPayload{Seconds: 30},
	}))
	assert.JSONEq(t,
		`{"playbackInfo":{"title":"Song","artist":"Band","elapsedSeconds":30}}`,
		payloadOf(c.readFrame(t)))

	select {
	case p := <-broadcasts:
		assert.Equal(t, 1, p.Recipients)
		assert.Equal(t, 0, p.Failed)
	case <-time.After(2 * time.Second):
		t.Fatal("playback_broadcast not emitted")
	}
}

func TestBadEventPayload(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	startServer(t, bus)

	err := bus.EmitSync(context.Background(), events.Event{Type: events.EventTrackChanged, Payload: "nope"})
	assert.Error(t, err)
}
