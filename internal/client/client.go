// Package client implements the NCK protocol client: a reconnecting TCP
// connection to a server, local tracking of the unit-type dictionary and
// latest simulation snapshot, and the client side of pick-id translation
// (a client names its own picks with ids private to itself; the server
// maps each to a global id the first time it sees one and does not send
// that id back).
//
// Grounded on the teacher's internal/ipc/subscriber.go: connectionLoop/
// readLoop split, fixed-delay reconnect, atomic.Value for lock-free latest-
// snapshot access, and OnSnapshot/OnConnect/OnDisconnect callback
// registration.
package client

import (
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"nck/internal/protocol"
	"nck/internal/units"
)

// ReconnectDelay is the fixed pause between failed connection attempts.
const ReconnectDelay = 500 * time.Millisecond

// MaxReconnects caps automatic reconnection attempts before the client
// gives up and reports itself stopped; zero means unlimited.
const MaxReconnects = 20

// Client is a connected (or reconnecting) session against one NCK server.
type Client struct {
	addr string

	connMu sync.Mutex
	conn   net.Conn

	latestUpdate atomic.Value // protocol.SimulationUpdateNotificationMsg

	sessionMu sync.RWMutex
	sessionID int64
	domain    units.Domain
	unitTypes []units.UnitType

	serverToClient sync.Map // units.PickID -> units.PickID, for picks this client did not originate

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	received   atomic.Int64
	reconnects atomic.Int64
	errors     atomic.Int64

	onUpdate       func(protocol.SimulationUpdateNotificationMsg)
	onSessionReset func()
	onConnect      func()
	onDisconnect   func()
}

// New builds a Client targeting addr. Call Start to connect.
func New(addr string) *Client {
	return &Client{addr: addr, stopCh: make(chan struct{})}
}

// OnUpdate registers a callback fired for every SimulationUpdateNotification.
func (c *Client) OnUpdate(fn func(protocol.SimulationUpdateNotificationMsg)) { c.onUpdate = fn }

// OnSessionReset registers a callback fired whenever the server invalidates
// the current session (e.g. after a LoadState) and the client should
// discard any locally cached pick-id translations.
func (c *Client) OnSessionReset(fn func()) { c.onSessionReset = fn }

// OnConnect registers a callback fired once per successful connection.
func (c *Client) OnConnect(fn func()) { c.onConnect = fn }

// OnDisconnect registers a callback fired when a connection is lost.
func (c *Client) OnDisconnect(fn func()) { c.onDisconnect = fn }

// Start connects in the background and keeps reconnecting until Stop.
func (c *Client) Start() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go c.connectionLoop()
	log.Printf("client: connecting to %s", c.addr)
}

// Stop closes the connection and stops reconnecting.
func (c *Client) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	close(c.stopCh)
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()
}

// IsConnected reports whether the client currently has an open connection.
func (c *Client) IsConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// LatestUpdate returns the most recently received simulation update.
func (c *Client) LatestUpdate() (protocol.SimulationUpdateNotificationMsg, bool) {
	v := c.latestUpdate.Load()
	if v == nil {
		return protocol.SimulationUpdateNotificationMsg{}, false
	}
	return v.(protocol.SimulationUpdateNotificationMsg), true
}

// SessionInfo returns the current session id, domain, and unit-type
// dictionary, as last received in a SessionUpdateNotification.
func (c *Client) SessionInfo() (int64, units.Domain, []units.UnitType) {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.sessionID, c.domain, c.unitTypes
}

// Stats returns client-side counters.
type Stats struct {
	Received   int64
	Reconnects int64
	Errors     int64
}

// Stats returns current client statistics.
func (c *Client) Stats() Stats {
	return Stats{Received: c.received.Load(), Reconnects: c.reconnects.Load(), Errors: c.errors.Load()}
}

func (c *Client) connectionLoop() {
	defer c.wg.Done()

	attempts := 0
	for c.running.Load() {
		conn, err := net.DialTimeout("tcp", c.addr, time.Second)
		if err != nil {
			attempts++
			if MaxReconnects > 0 && attempts > MaxReconnects {
				log.Printf("client: giving up on %s after %d attempts", c.addr, attempts)
				c.running.Store(false)
				return
			}
			select {
			case <-c.stopCh:
				return
			case <-time.After(ReconnectDelay):
				continue
			}
		}
		attempts = 0

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()

		log.Printf("client: connected to %s", c.addr)
		if c.onConnect != nil {
			c.onConnect()
		}

		c.readLoop(conn)

		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()

		if c.onDisconnect != nil {
			c.onDisconnect()
		}
		c.reconnects.Add(1)

		select {
		case <-c.stopCh:
			return
		case <-time.After(ReconnectDelay):
		}
	}
}

func (c *Client) readLoop(conn net.Conn) {
	for c.running.Load() {
		msgType, body, err := protocol.ReadMessage(conn)
		if err != nil {
			if err != io.EOF {
				log.Printf("client: read error: %v", err)
				c.errors.Add(1)
			}
			return
		}
		c.dispatch(msgType, body)
	}
}

func (c *Client) dispatch(msgType byte, body []byte) {
	switch msgType {
	case protocol.MsgSessionInvalidNotification:
		c.serverToClient.Range(func(k, _ interface{}) bool {
			c.serverToClient.Delete(k)
			return true
		})
		if c.onSessionReset != nil {
			c.onSessionReset()
		}

	case protocol.MsgSessionUpdateNotification:
		var m protocol.SessionUpdateNotificationMsg
		if protocol.Decode(body, &m) != nil {
			return
		}
		c.sessionMu.Lock()
		c.sessionID = m.SessionID
		c.domain = m.Domain
		c.unitTypes = m.UnitTypes
		c.sessionMu.Unlock()

	case protocol.MsgSimulationUpdateNotification:
		var m protocol.SimulationUpdateNotificationMsg
		if protocol.Decode(body, &m) != nil {
			return
		}
		c.latestUpdate.Store(m)
		c.received.Add(1)
		if c.onUpdate != nil {
			c.onUpdate(m)
		}

	case protocol.MsgSetParametersNotification, protocol.MsgSaveStateReply:
		// Ignored: this client has no handler for parameter notifications
		// or save-state replies.
	}
}

func (c *Client) send(msgType byte, data interface{}, compress bool) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("client: not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	return protocol.WriteMessage(conn, msgType, data, compress)
}

// PickPoint sends a PointPickRequest under a client-local tentative pick
// id. The id is only meaningful to this client until it is released;
// NCK's wire protocol has no synchronous pick-id reply, so the server-side
// translation (see internal/server) keeps the same clientPickID mapped to
// one stable server id for the rest of the session.
func (c *Client) PickPoint(m protocol.PointPickRequestMsg) error {
	return c.send(protocol.MsgPointPickRequest, m, false)
}

// PickRay sends a RayPickRequest under a client-local tentative pick id.
func (c *Client) PickRay(m protocol.RayPickRequestMsg) error {
	return c.send(protocol.MsgRayPickRequest, m, false)
}

// PasteUnit sends a PasteUnitRequest for the client's last Copy.
func (c *Client) PasteUnit(m protocol.PasteUnitRequestMsg) error {
	return c.send(protocol.MsgPasteUnitRequest, m, false)
}

// SetUnitState sends a SetUnitStateRequest for a held pick.
func (c *Client) SetUnitState(m protocol.SetUnitStateRequestMsg) error {
	return c.send(protocol.MsgSetUnitStateRequest, m, false)
}

// CopyUnit sends a CopyUnitRequest for a held pick.
func (c *Client) CopyUnit(pickID units.PickID) error {
	return c.send(protocol.MsgCopyUnitRequest, protocol.CopyUnitRequestMsg{PickID: pickID}, false)
}

// SetParameters sends a SetParametersRequest.
func (c *Client) SetParameters(m protocol.SetParametersRequestMsg) error {
	return c.send(protocol.MsgSetParametersRequest, m, false)
}

// Release sends a ReleaseRequest for a previously picked unit.
func (c *Client) Release(pickID units.PickID) error {
	return c.send(protocol.MsgReleaseRequest, protocol.ReleaseRequestMsg{PickID: pickID}, false)
}

// CreateUnit sends a CreateUnitRequest.
func (c *Client) CreateUnit(m protocol.CreateUnitRequestMsg) error {
	return c.send(protocol.MsgCreateUnitRequest, m, false)
}

// DestroyUnit sends a DestroyUnitRequest.
func (c *Client) DestroyUnit(pickID units.PickID) error {
	return c.send(protocol.MsgDestroyUnitRequest, protocol.DestroyUnitRequestMsg{PickID: pickID}, false)
}
