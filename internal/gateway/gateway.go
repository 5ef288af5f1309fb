// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package gateway runs one listener per registered decoder (UDP for decoders
// that declare protocol.UDP, TCP for the rest), and implements the
// per-connection growing-buffer decode loop, IMEI binding, and command-queue
// draining of spec.md section 4.2.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"fleetwatch/internal/apperrors"
	"fleetwatch/internal/logging"
	"fleetwatch/internal/model"
	"fleetwatch/internal/protocol"
)

// readTimeout is the per-connection idle read timeout, per spec.md section 4.2 step 6.
const readTimeout = 300 * time.Second

// PositionHandler receives every normalized position the gateway decodes.
type PositionHandler interface {
	Process(ctx context.Context, pos model.NormalizedPosition) error
}

// CommandStore is the subset of store.Store the gateway needs to drain the
// downlink queue after an IMEI binds, per spec.md section 4.6.
type CommandStore interface {
	DeviceByIMEI(ctx context.Context, imei string) (*model.Device, error)
	PendingCommands(ctx context.Context, deviceID int64) ([]model.CommandQueue, error)
	MarkCommandSent(ctx context.Context, commandID string) error
	MarkCommandFailed(ctx context.Context, commandID string) error
}

// connWriter is the minimal surface the gateway needs to push bytes to a
// bound device's connection, independent of transport.
type connWriter interface {
	Write(b []byte) (int, error)
}

// Gateway owns the listeners and the online-devices map.
type Gateway struct {
	registry *protocol.Registry
	handler  PositionHandler
	store    CommandStore
	logger   *logging.Logger

	mu     sync.RWMutex
	online map[string]connWriter // imei -> connection
}

func New(registry *protocol.Registry, handler PositionHandler, store CommandStore, logger *logging.Logger) *Gateway {
	return &Gateway{
		registry: registry,
		handler:  handler,
		store:    store,
		logger:   logger.WithComponent("gateway"),
		online:   make(map[string]connWriter),
	}
}

// ListenAndServe opens every registered decoder's listener and blocks until
// ctx is cancelled, then closes all listeners and returns.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	var wg sync.WaitGroup
	var listeners []io.Closer

	for _, d := range g.registry.All() {
		d := d
		switch d.Transport() {
		case protocol.TCP:
			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", d.Port()))
			if err != nil {
				return apperrors.Wrapf(err, apperrors.KindInternal, "gateway: listen tcp %s on :%d", d.Name(), d.Port())
			}
			listeners = append(listeners, ln)
			g.logger.Info("listening", "protocol", d.Name(), "transport", "tcp", "port", d.Port())
			wg.Add(1)
			go func() {
				defer wg.Done()
				g.serveTCP(ctx, d, ln)
			}()
		case protocol.UDP:
			pc, err := net.ListenPacket("udp", fmt.Sprintf(":%d", d.Port()))
			if err != nil {
				return apperrors.Wrapf(err, apperrors.KindInternal, "gateway: listen udp %s on :%d", d.Name(), d.Port())
			}
			listeners = append(listeners, pc)
			g.logger.Info("listening", "protocol", d.Name(), "transport", "udp", "port", d.Port())
			wg.Add(1)
			go func() {
				defer wg.Done()
				g.serveUDP(ctx, d, pc)
			}()
		}
	}

	<-ctx.Done()
	for _, ln := range listeners {
		ln.Close()
	}
	wg.Wait()
	return nil
}

func (g *Gateway) serveTCP(ctx context.Context, d protocol.Decoder, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				g.logger.ErrorContext(ctx, "accept failed", "protocol", d.Name(), "error", err)
				continue
			}
		}
		go g.handleConn(ctx, d, conn)
	}
}

// handleConn is the per-connection loop of spec.md section 4.2 steps 1-6.
// A decoder panic is recovered here so one misbehaving frame cannot take
// down the listener goroutine.
func (g *Gateway) handleConn(ctx context.Context, d protocol.Decoder, conn net.Conn) {
	remoteAddr := conn.RemoteAddr().String()
	var boundIMEI string

	defer func() {
		if r := recover(); r != nil {
			g.logger.ErrorContext(ctx, "decoder panic, closing connection", "protocol", d.Name(), "remote", remoteAddr, "panic", r)
		}
		conn.Close()
		if boundIMEI != "" {
			g.unbind(boundIMEI, conn)
		}
	}()

	buf := make([]byte, 0, 4096)
	read := make([]byte, 4096)

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := conn.Read(read)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				g.logger.InfoContext(ctx, "connection read error", "protocol", d.Name(), "remote", remoteAddr, "error", err)
			}
			return
		}
		buf = append(buf, read[:n]...)

		for {
			client := protocol.ClientInfo{RemoteAddr: remoteAddr, KnownIMEI: boundIMEI}
			result, consumed, decErr := d.Decode(buf, client)
			if decErr != nil {
				g.logger.ErrorContext(ctx, "malformed frame", "protocol", d.Name(), "remote", remoteAddr, "error", decErr)
			}
			if consumed == 0 {
				break
			}
			buf = buf[consumed:]
			g.handleResult(ctx, d, conn, &boundIMEI, result)
		}

		if len(buf) > protocol.MaxBufferedBytes {
			g.logger.ErrorContext(ctx, "buffer overflow, flushing", "protocol", d.Name(), "remote", remoteAddr, "size", len(buf))
			buf = buf[:0]
		}
	}
}

// handleResult implements spec.md section 4.2 steps 2-5 for one decode
// result, independent of transport.
func (g *Gateway) handleResult(ctx context.Context, d protocol.Decoder, w connWriter, boundIMEI *string, result protocol.Result) {
	if result.Position != nil {
		g.dispatchPosition(ctx, *result.Position)
	}

	ev := result.Event
	if ev == nil {
		return
	}

	if ev.IMEI != "" && ev.IMEI != *boundIMEI {
		if *boundIMEI != "" {
			g.unbind(*boundIMEI, w)
		}
		*boundIMEI = ev.IMEI
		g.bind(ev.IMEI, w)
	}

	if len(ev.ResponseBytes) > 0 {
		if _, err := w.Write(ev.ResponseBytes); err != nil {
			g.logger.ErrorContext(ctx, "failed to write response", "protocol", d.Name(), "imei", *boundIMEI, "error", err)
		}
	}

	if ev.Position != nil {
		g.dispatchPosition(ctx, *ev.Position)
	}
	for _, p := range ev.ExtraPositions {
		g.dispatchPosition(ctx, p)
	}

	if ev.IMEI != "" {
		g.drainCommands(ctx, d, w, ev.IMEI)
	}
}

func (g *Gateway) dispatchPosition(ctx context.Context, pos model.NormalizedPosition) {
	if g.handler == nil {
		return
	}
	if err := g.handler.Process(ctx, pos); err != nil {
		if apperrors.GetKind(err) == apperrors.KindUnknownDevice {
			g.logger.WarnContext(ctx, "dropping position for unknown device", "imei", pos.IMEI)
			return
		}
		g.logger.ErrorContext(ctx, "position processing failed", "imei", pos.IMEI, "error", err)
	}
}

// drainCommands implements spec.md section 4.6: after a connection's IMEI
// binds (or is reconfirmed), flush any pending downlink commands in
// creation order.
func (g *Gateway) drainCommands(ctx context.Context, d protocol.Decoder, w connWriter, imei string) {
	if g.store == nil {
		return
	}
	device, err := g.store.DeviceByIMEI(ctx, imei)
	if err != nil {
		return
	}
	commands, err := g.store.PendingCommands(ctx, device.ID)
	if err != nil {
		g.logger.ErrorContext(ctx, "failed to load pending commands", "imei", imei, "error", err)
		return
	}
	for _, cmd := range commands {
		wire, err := d.EncodeCommand(cmd.CommandType, commandParams(imei, cmd.Payload))
		if err != nil {
			g.logger.ErrorContext(ctx, "unsupported command", "imei", imei, "command", cmd.CommandType, "error", err)
			continue
		}
		if _, err := w.Write(wire); err != nil {
			g.logger.ErrorContext(ctx, "failed to write command", "imei", imei, "command", cmd.CommandType, "error", err)
			if markErr := g.store.MarkCommandFailed(ctx, cmd.ID); markErr != nil {
				g.logger.ErrorContext(ctx, "failed to mark command failed", "command_id", cmd.ID, "error", markErr)
			}
			continue
		}
		if err := g.store.MarkCommandSent(ctx, cmd.ID); err != nil {
			g.logger.ErrorContext(ctx, "failed to mark command sent", "command_id", cmd.ID, "error", err)
		}
	}
}

// commandParams builds the params map passed to a decoder's EncodeCommand.
// Queued commands only carry a flat imei and payload string (spec.md
// section 4.6's enqueue endpoint takes nothing richer), but the decoders
// disagree on which key they read it back under: teltonika wants "args",
// flespi wants "payload" and will itself parse JSON out of it, others read
// structured fields like "imei"/"interval"/"ip"/"port" directly. Populate
// every key a decoder might read, and if payload parses as a JSON object,
// merge its fields in too so those structured decoders can see them.
func commandParams(imei, payload string) map[string]any {
	params := map[string]any{"payload": payload, "args": payload, "imei": imei}
	if payload == "" {
		return params
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(payload), &decoded); err == nil {
		for k, v := range decoded {
			// JSON numbers decode as float64; whole numbers become int so
			// decoders reading e.g. "interval" or "port" as int see them.
			if f, ok := v.(float64); ok && f == float64(int(f)) {
				v = int(f)
			}
			params[k] = v
		}
	}
	return params
}

// serveUDP decodes each datagram once with no incremental buffering, per
// spec.md section 4.2's UDP path.
func (g *Gateway) serveUDP(ctx context.Context, d protocol.Decoder, pc net.PacketConn) {
	buf := make([]byte, 4096)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				g.logger.ErrorContext(ctx, "udp read failed", "protocol", d.Name(), "error", err)
				continue
			}
		}
		client := protocol.ClientInfo{RemoteAddr: addr.String()}
		result, _, decErr := d.Decode(buf[:n], client)
		if decErr != nil {
			g.logger.ErrorContext(ctx, "malformed udp datagram", "protocol", d.Name(), "remote", addr.String(), "error", decErr)
			continue
		}
		if result.Position != nil {
			g.dispatchPosition(ctx, *result.Position)
		}
		if result.Event != nil {
			for _, p := range result.Event.ExtraPositions {
				g.dispatchPosition(ctx, p)
			}
			if result.Event.Position != nil {
				g.dispatchPosition(ctx, *result.Event.Position)
			}
		}
	}
}

// bind registers w as the current connection for imei, superseding any
// prior binding without closing it, per spec.md section 4.2's invariant.
func (g *Gateway) bind(imei string, w connWriter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.online[imei] = w
}

// unbind removes imei from the online-devices map, but only if it still
// points at w (a newer binding must not be evicted by a stale connection's
// teardown), per spec.md section 4.2's invariant.
func (g *Gateway) unbind(imei string, w connWriter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.online[imei] == w {
		delete(g.online, imei)
	}
}

// IsOnline reports whether imei currently has a bound connection.
func (g *Gateway) IsOnline(imei string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.online[imei]
	return ok
}

// OnlineCount returns the number of currently bound devices.
func (g *Gateway) OnlineCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.online)
}
