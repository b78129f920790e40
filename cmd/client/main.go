// Standalone NCK protocol client: connects to a running server, prints
// session and simulation updates, and, when -create-interval is set,
// issues a periodic CreateUnit request so a lone client has something
// visible to watch.
//
// USAGE:
//
//	go run ./cmd/client -addr localhost:4600
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nck/internal/client"
	"nck/internal/geom"
	"nck/internal/protocol"
	"nck/internal/units"
)

func main() {
	addr := flag.String("addr", "localhost:4600", "NCK server address")
	createInterval := flag.Duration("create-interval", 0, "if set, create a unit of type 0 at this cadence")
	flag.Parse()

	c := client.New(*addr)

	c.OnConnect(func() {
		log.Printf("client: connected to %s", *addr)
	})
	c.OnDisconnect(func() {
		log.Println("client: disconnected, reconnecting")
	})
	c.OnSessionReset(func() {
		log.Println("client: session reset, discarding cached pick ids")
	})
	c.OnUpdate(func(m protocol.SimulationUpdateNotificationMsg) {
		log.Printf("client: session %d tick %d: %d units", m.SessionID, m.TimeStamp, len(m.Units))
	})

	c.Start()
	defer c.Stop()

	var createTicker *time.Ticker
	var createCh <-chan time.Time
	if *createInterval > 0 {
		createTicker = time.NewTicker(*createInterval)
		createCh = createTicker.C
		defer createTicker.Stop()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-quit:
			log.Println("client: shutting down")
			return
		case <-createCh:
			if !c.IsConnected() {
				continue
			}
			if err := c.CreateUnit(protocol.CreateUnitRequestMsg{
				PickID:     units.PickID(time.Now().UnixNano()),
				UnitTypeID: 0,
				Position:   geom.NewVector(1, 1, 1),
				Orient:     geom.Identity(),
			}); err != nil {
				log.Printf("client: create failed: %v", err)
			}
		}
	}
}
