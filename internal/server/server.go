// Package server hosts the NCK TCP server: the accept/broadcast loop, one
// goroutine per connected client, per-client pick-id translation, and the
// pause/wake control that gates the broadcast loop between ticks.
//
// Grounded on the teacher's internal/ipc/publisher.go (accept loop,
// broadcast loop, atomic client count, per-client write goroutine) and
// _examples/original_source/NewNanotechConstructionKit.h's ClusterForwarder
// (rebroadcasting the same tick's update to a second tier of listeners).
package server

import (
	"context"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"nck/internal/api"
	"nck/internal/protocol"
	"nck/internal/sim"
	"nck/internal/telemetry"
	"nck/internal/units"
)

// BroadcastInterval is the minimum spacing between SimulationUpdate
// broadcasts, independent of the integrator's own tick rate (a client
// doesn't need every tick, only the most recent state at a bounded rate).
const BroadcastInterval = 50 * time.Millisecond

// Server owns the TCP listener, the running Integrator, and every
// connected client's pick-id translation table.
type Server struct {
	integrator *sim.Integrator
	events     *telemetry.EventLog
	listener   net.Listener

	clientsMu sync.RWMutex
	clients   map[*clientConn]struct{}

	forwarders []net.Conn // ClusterForwarder: second-tier listeners fed the same broadcast

	paused    atomic.Bool
	pauseCond *sync.Cond
	pauseMu   sync.Mutex

	clientCount atomic.Int32
	broadcasts  atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// clientConn is one connected client's translation state and write lock.
type clientConn struct {
	conn net.Conn

	mu             sync.Mutex
	clientToServer map[units.PickID]units.PickID

	writeMu sync.Mutex
}

// New builds a Server around an already-constructed Integrator. events may
// be nil, in which case structural requests are not audit-logged.
func New(integrator *sim.Integrator, events *telemetry.EventLog) *Server {
	s := &Server{
		integrator: integrator,
		events:     events,
		clients:    make(map[*clientConn]struct{}),
		stopCh:     make(chan struct{}),
	}
	s.pauseCond = sync.NewCond(&s.pauseMu)
	return s
}

// emit records a structural event from a connected client, a no-op if no
// EventLog was configured.
func (s *Server) emit(eventType telemetry.EventType, c *clientConn, payload interface{}) {
	if s.events == nil {
		return
	}
	s.events.Emit(telemetry.NewEvent(eventType, s.integrator.LatestSnapshot().TimeStamp, c.conn.RemoteAddr().String(), payload))
}

// Pause halts outbound broadcasts (clients already connected keep their
// session, but receive no SimulationUpdateNotification until Resume).
func (s *Server) Pause() {
	s.paused.Store(true)
}

// Resume wakes the broadcast loop.
func (s *Server) Resume() {
	s.paused.Store(false)
	s.pauseMu.Lock()
	s.pauseCond.Broadcast()
	s.pauseMu.Unlock()
}

// AddForwarder registers a second-tier connection that receives a copy of
// every broadcast, per the original's ClusterForwarder: a satellite
// display process chained off the primary server instead of connecting
// directly to the simulation.
func (s *Server) AddForwarder(conn net.Conn) {
	s.clientsMu.Lock()
	s.forwarders = append(s.forwarders, conn)
	s.clientsMu.Unlock()
}

// ListenAndServe opens addr and runs the accept and broadcast loops until
// ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln

	s.wg.Add(2)
	go s.acceptLoop()
	go s.broadcastLoop()

	log.Printf("server: listening on %s", addr)

	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop closes the listener and every client connection, and waits for the
// accept/broadcast goroutines to exit.
func (s *Server) Stop() {
	select {
	case <-s.stopCh:
		return
	default:
		close(s.stopCh)
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.clientsMu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.clientsMu.Unlock()
	s.Resume() // wake the broadcast loop so it can observe stopCh and exit
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				log.Printf("server: accept error: %v", err)
				continue
			}
		}
		s.wg.Add(1)
		go s.handleClient(conn)
	}
}

func (s *Server) handleClient(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	c := &clientConn{conn: conn, clientToServer: make(map[units.PickID]units.PickID)}

	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
	s.clientCount.Add(1)
	api.UpdateClientsActive(int(s.clientCount.Load()))
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, c)
		s.clientsMu.Unlock()
		s.clientCount.Add(-1)
		api.UpdateClientsActive(int(s.clientCount.Load()))
	}()

	if err := s.sendSessionUpdate(c); err != nil {
		log.Printf("server: session update to %s failed: %v", conn.RemoteAddr(), err)
		return
	}

	for {
		msgType, body, err := protocol.ReadMessage(conn)
		if err != nil {
			if err != io.EOF {
				log.Printf("server: read from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		s.dispatch(c, msgType, body)
	}
}

func (s *Server) sendSessionUpdate(c *clientConn) error {
	msg := protocol.SessionUpdateNotificationMsg{
		SessionID: s.integrator.SessionID(),
		Domain:    s.integrator.Domain,
		UnitTypes: s.integrator.Store.Types,
	}
	return s.writeTo(c, protocol.MsgSessionUpdateNotification, msg, false)
}

func (s *Server) writeTo(c *clientConn, msgType byte, data interface{}, compress bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	return protocol.WriteMessage(c.conn, msgType, data, compress)
}

// translate resolves a client-chosen pick id to a server-global one,
// allocating a fresh one on first use. This is the per-client-to-server
// pick-id translation the protocol needs: each client picks its own
// tentative ids independent of every other client's, and the server keeps
// them from colliding.
func (c *clientConn) translate(registry *sim.PickRegistry, clientPickID units.PickID) units.PickID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if serverID, ok := c.clientToServer[clientPickID]; ok {
		return serverID
	}
	serverID := registry.AllocateID()
	c.clientToServer[clientPickID] = serverID
	return serverID
}

func (s *Server) dispatch(c *clientConn, msgType byte, body []byte) {
	switch msgType {
	case protocol.MsgSetParametersRequest:
		var m protocol.SetParametersRequestMsg
		if protocol.Decode(body, &m) != nil {
			return
		}
		s.integrator.SetParameters(sim.Parameters{
			VertexForceRadius:     m.VertexForceRadius,
			VertexForceStrength:   m.VertexForceStrength,
			CentralForceOvershoot: m.CentralForceOvershoot,
			CentralForceStrength:  m.CentralForceStrength,
			LinearDampening:       m.LinearDampening,
			AngularDampening:      m.AngularDampening,
			Attenuation:           m.Attenuation,
			TimeFactor:            m.TimeFactor,
			MaxEffectiveDT:        m.MaxEffectiveDT,
		})
		s.broadcastAll(protocol.MsgSetParametersNotification, protocol.SetParametersNotificationMsg{SetParametersRequestMsg: m}, false)

	case protocol.MsgPointPickRequest:
		var m protocol.PointPickRequestMsg
		if protocol.Decode(body, &m) != nil {
			return
		}
		serverID := c.translate(s.integrator.Picks, m.PickID)
		s.integrator.Queue.Enqueue(sim.Request{
			Kind: sim.ReqPickPoint, PickID: serverID, Pos: m.Position,
			Radius: m.Radius, Orient: m.Orient, Connected: m.Connected,
		})
		s.emit(telemetry.EventPickPoint, c, m)

	case protocol.MsgRayPickRequest:
		var m protocol.RayPickRequestMsg
		if protocol.Decode(body, &m) != nil {
			return
		}
		serverID := c.translate(s.integrator.Picks, m.PickID)
		s.integrator.Queue.Enqueue(sim.Request{
			Kind: sim.ReqPickRay, PickID: serverID, Pos: m.Position,
			Dir: m.Direction, Orient: m.Orient, Connected: m.Connected,
		})
		s.emit(telemetry.EventPickRay, c, m)

	case protocol.MsgPasteUnitRequest:
		var m protocol.PasteUnitRequestMsg
		if protocol.Decode(body, &m) != nil {
			return
		}
		serverID := c.translate(s.integrator.Picks, m.PickID)
		s.integrator.Queue.Enqueue(sim.Request{
			Kind: sim.ReqPaste, PickID: serverID, Pos: m.Position, Orient: m.Orient,
			LinearVelocity: m.LinearVelocity, AngularVelocity: m.AngularVelocity,
		})
		s.emit(telemetry.EventPaste, c, m)

	case protocol.MsgCreateUnitRequest:
		var m protocol.CreateUnitRequestMsg
		if protocol.Decode(body, &m) != nil {
			return
		}
		serverID := c.translate(s.integrator.Picks, m.PickID)
		s.integrator.Queue.Enqueue(sim.Request{
			Kind: sim.ReqCreate, PickID: serverID, TypeID: m.UnitTypeID, Pos: m.Position, Orient: m.Orient,
			LinearVelocity: m.LinearVelocity, AngularVelocity: m.AngularVelocity,
		})
		s.emit(telemetry.EventCreate, c, m)

	case protocol.MsgSetUnitStateRequest:
		var m protocol.SetUnitStateRequestMsg
		if protocol.Decode(body, &m) != nil {
			return
		}
		serverID := c.translate(s.integrator.Picks, m.PickID)
		s.integrator.Queue.Enqueue(sim.Request{
			Kind: sim.ReqSetState, PickID: serverID, Pos: m.Position, Orient: m.Orient,
			LinearVelocity: m.LinearVelocity, AngularVelocity: m.AngularVelocity,
		})

	case protocol.MsgCopyUnitRequest:
		var m protocol.CopyUnitRequestMsg
		if protocol.Decode(body, &m) != nil {
			return
		}
		serverID := c.translate(s.integrator.Picks, m.PickID)
		s.integrator.Queue.Enqueue(sim.Request{Kind: sim.ReqCopy, PickID: serverID})
		s.emit(telemetry.EventCopy, c, m)

	case protocol.MsgDestroyUnitRequest:
		var m protocol.DestroyUnitRequestMsg
		if protocol.Decode(body, &m) != nil {
			return
		}
		serverID := c.translate(s.integrator.Picks, m.PickID)
		s.integrator.Queue.Enqueue(sim.Request{Kind: sim.ReqDestroy, PickID: serverID})
		s.emit(telemetry.EventDestroy, c, m)

	case protocol.MsgReleaseRequest:
		var m protocol.ReleaseRequestMsg
		if protocol.Decode(body, &m) != nil {
			return
		}
		serverID := c.translate(s.integrator.Picks, m.PickID)
		s.integrator.Queue.Enqueue(sim.Request{Kind: sim.ReqRelease, PickID: serverID})
		c.mu.Lock()
		delete(c.clientToServer, m.PickID)
		c.mu.Unlock()
		s.emit(telemetry.EventRelease, c, m)

	case protocol.MsgSaveStateRequest:
		var m protocol.SaveStateRequestMsg
		if protocol.Decode(body, &m) != nil {
			return
		}
		s.emit(telemetry.EventSaveState, c, m)
		s.handleSaveState(c, m)

	case protocol.MsgLoadStateRequest:
		var m protocol.LoadStateRequestMsg
		if protocol.Decode(body, &m) != nil {
			return
		}
		s.emit(telemetry.EventLoadState, c, struct{ Bytes int }{len(m.Data)})
		s.handleLoadState(c, m)
	}
}

func (s *Server) handleSaveState(c *clientConn, m protocol.SaveStateRequestMsg) {
	var buf writeBuffer
	s.integrator.Queue.Enqueue(sim.Request{
		Kind: sim.ReqSaveState,
		Sink: &buf,
		Completion: func(err error) {
			reply := protocol.SaveStateReplyMsg{RequestID: m.RequestID, Data: buf.Bytes()}
			if err != nil {
				reply.Err = err.Error()
			}
			if werr := s.writeTo(c, protocol.MsgSaveStateReply, reply, true); werr != nil {
				log.Printf("server: save-state reply to %s: %v", c.conn.RemoteAddr(), werr)
			}
		},
	})
}

func (s *Server) handleLoadState(c *clientConn, m protocol.LoadStateRequestMsg) {
	s.integrator.Queue.Enqueue(sim.Request{
		Kind:   sim.ReqLoadState,
		Source: &readBuffer{data: m.Data},
		Completion: func(err error) {
			if err != nil {
				log.Printf("server: load-state from %s failed: %v", c.conn.RemoteAddr(), err)
				s.writeTo(c, protocol.MsgSessionInvalidNotification, protocol.SessionInvalidNotificationMsg{}, false)
				return
			}
			s.broadcastSessionUpdate()
		},
	})
}

func (s *Server) broadcastSessionUpdate() {
	s.clientsMu.RLock()
	clients := make([]*clientConn, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()
	for _, c := range clients {
		s.sendSessionUpdate(c)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.paused.Load() {
				s.waitForResume()
				continue
			}
			s.broadcastSimulationUpdate()
		}
	}
}

func (s *Server) waitForResume() {
	s.pauseMu.Lock()
	for s.paused.Load() {
		select {
		case <-s.stopCh:
			s.pauseMu.Unlock()
			return
		default:
		}
		s.pauseCond.Wait()
	}
	s.pauseMu.Unlock()
}

func (s *Server) broadcastSimulationUpdate() {
	locked := s.integrator.StatePub.LockNewValue()
	if !locked {
		return
	}
	state := s.integrator.StatePub.GetLockedValue()

	reduced := make([]units.ReducedUnitState, len(state.Units))
	for i, u := range state.Units {
		reduced[i] = units.Reduce(u)
	}
	msg := protocol.SimulationUpdateNotificationMsg{
		SessionID: state.SessionID,
		TimeStamp: state.TimeStamp,
		Units:     reduced,
	}

	s.broadcastAll(protocol.MsgSimulationUpdateNotification, msg, true)
	s.broadcasts.Add(1)
	api.RecordBroadcast()
}

func (s *Server) broadcastAll(msgType byte, data interface{}, compress bool) {
	s.clientsMu.RLock()
	clients := make([]*clientConn, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	forwarders := append([]net.Conn{}, s.forwarders...)
	s.clientsMu.RUnlock()

	for _, c := range clients {
		if err := s.writeTo(c, msgType, data, compress); err != nil {
			log.Printf("server: broadcast to %s failed: %v", c.conn.RemoteAddr(), err)
		}
	}
	for _, fwd := range forwarders {
		fwd.SetWriteDeadline(time.Now().Add(time.Second))
		if err := protocol.WriteMessage(fwd, msgType, data, compress); err != nil {
			log.Printf("server: forward to %s failed: %v", fwd.RemoteAddr(), err)
		}
	}
}

// Stats returns a snapshot of server-level counters.
type Stats struct {
	Clients    int32
	Broadcasts int64
}

// Stats returns current server statistics.
func (s *Server) Stats() Stats {
	return Stats{Clients: s.clientCount.Load(), Broadcasts: s.broadcasts.Load()}
}

// writeBuffer is an in-memory io.Writer used as the SaveState sink.
type writeBuffer struct {
	data []byte
}

func (w *writeBuffer) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)
	return len(p), nil
}

func (w *writeBuffer) Bytes() []byte { return w.data }

// readBuffer is an in-memory io.Reader used as the LoadState source.
type readBuffer struct {
	data []byte
	pos  int
}

func (r *readBuffer) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
