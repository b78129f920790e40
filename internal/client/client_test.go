package client

import (
	"net"
	"testing"
	"time"

	"nck/internal/geom"
	"nck/internal/protocol"
	"nck/internal/units"
)

// startFakeServer listens on an OS-assigned loopback port and hands back
// every accepted connection on the returned channel, standing in for
// internal/server in tests that only need to drive the wire protocol
// directly.
func startFakeServer(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	conns := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conns <- conn
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String(), conns
}

func TestClientReceivesSessionUpdate(t *testing.T) {
	addr, conns := startFakeServer(t)
	c := New(addr)
	c.Start()
	defer c.Stop()

	conn := <-conns
	defer conn.Close()

	domain := units.Domain{Min: geom.NewVector(-1, -1, -1), Max: geom.NewVector(1, 1, 1)}
	msg := protocol.SessionUpdateNotificationMsg{SessionID: 9, Domain: domain}
	if err := protocol.WriteMessage(conn, protocol.MsgSessionUpdateNotification, msg, false); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		id, gotDomain, _ := c.SessionInfo()
		if id == 9 {
			if gotDomain != domain {
				t.Fatalf("domain = %+v, want %+v", gotDomain, domain)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("client never observed the session update")
}

func TestClientOnUpdateAndStats(t *testing.T) {
	addr, conns := startFakeServer(t)
	c := New(addr)

	received := make(chan protocol.SimulationUpdateNotificationMsg, 1)
	c.OnUpdate(func(m protocol.SimulationUpdateNotificationMsg) { received <- m })

	c.Start()
	defer c.Stop()
	conn := <-conns
	defer conn.Close()

	msg := protocol.SimulationUpdateNotificationMsg{
		SessionID: 1, TimeStamp: 42, Units: []units.ReducedUnitState{{}, {}},
	}
	if err := protocol.WriteMessage(conn, protocol.MsgSimulationUpdateNotification, msg, true); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	select {
	case got := <-received:
		if got.TimeStamp != 42 {
			t.Fatalf("TimeStamp = %d, want 42", got.TimeStamp)
		}
	case <-time.After(time.Second):
		t.Fatal("OnUpdate callback never fired")
	}

	if got := c.Stats().Received; got != 1 {
		t.Fatalf("Stats().Received = %d, want 1", got)
	}
	update, ok := c.LatestUpdate()
	if !ok || update.TimeStamp != 42 {
		t.Fatalf("LatestUpdate = %+v, ok=%v", update, ok)
	}
}

func TestClientPickPointSendsMessage(t *testing.T) {
	addr, conns := startFakeServer(t)
	c := New(addr)
	c.Start()
	defer c.Stop()
	conn := <-conns
	defer conn.Close()

	req := protocol.PointPickRequestMsg{
		PickID: 3, Position: geom.NewVector(1, 2, 3), Radius: 0.5, Orient: geom.Identity(),
	}
	var sendErr error
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		sendErr = c.PickPoint(req)
		if sendErr == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sendErr != nil {
		t.Fatalf("PickPoint: %v", sendErr)
	}

	msgType, body, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msgType != protocol.MsgPointPickRequest {
		t.Fatalf("msgType = %d, want MsgPointPickRequest", msgType)
	}
	var got protocol.PointPickRequestMsg
	if err := protocol.Decode(body, &got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.PickID != 3 {
		t.Fatalf("PickID = %d, want 3", got.PickID)
	}
}

func TestClientSessionInvalidNotificationFiresReset(t *testing.T) {
	addr, conns := startFakeServer(t)
	c := New(addr)

	resetCh := make(chan struct{}, 1)
	c.OnSessionReset(func() { resetCh <- struct{}{} })

	c.Start()
	defer c.Stop()
	conn := <-conns
	defer conn.Close()

	if err := protocol.WriteMessage(conn, protocol.MsgSessionInvalidNotification, nil, false); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	select {
	case <-resetCh:
	case <-time.After(time.Second):
		t.Fatal("OnSessionReset callback never fired")
	}
}

func TestClientStopDisconnects(t *testing.T) {
	addr, conns := startFakeServer(t)
	c := New(addr)
	c.Start()

	<-conns
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !c.IsConnected() {
		time.Sleep(5 * time.Millisecond)
	}
	if !c.IsConnected() {
		t.Fatal("client never reported connected")
	}

	c.Stop()
	if c.IsConnected() {
		t.Fatal("client should report disconnected after Stop")
	}
}
