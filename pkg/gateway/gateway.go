// Package gateway wires the MS/TP engine, BVLC datalink, and router
// core into one running process: open collaborators, start them, run
// until cancelled, persist state, and shut down cleanly.
package gateway

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/krisarmstrong/bacrouter/internal/config"
	"github.com/krisarmstrong/bacrouter/pkg/bvlc"
	"github.com/krisarmstrong/bacrouter/pkg/diag"
	"github.com/krisarmstrong/bacrouter/pkg/iplink"
	"github.com/krisarmstrong/bacrouter/pkg/logging"
	"github.com/krisarmstrong/bacrouter/pkg/mstp"
	"github.com/krisarmstrong/bacrouter/pkg/router"
	"github.com/krisarmstrong/bacrouter/pkg/storage"
)

// Gateway owns every collaborator a running router needs: the MS/TP
// engine, the BVLC datalink and its UDP socket, the router core, the
// optional BoltDB store, and the diagnostics agent.
type Gateway struct {
	cfg *config.Config

	engine *mstp.Engine
	serial *iplink.SerialPort
	link   *bvlc.Datalink
	udp    *iplink.UDPSocket
	router *router.Router
	db     *storage.Storage
	Diag   *diag.Agent

	startedAt time.Time
	wg        sync.WaitGroup
}

// New opens every collaborator described by cfg but does not yet start
// any goroutine; call Run to bring the gateway up.
func New(cfg *config.Config) (*Gateway, error) {
	serial, err := iplink.OpenSerial(cfg.SerialPort, cfg.Baud, false)
	if err != nil {
		return nil, fmt.Errorf("open serial port: %w", err)
	}

	engine, err := mstp.NewEngine(cfg.Station, cfg.MaxMaster, cfg.MaxInfoFrames, mstp.DefaultTiming(), serial)
	if err != nil {
		serial.Close()
		return nil, fmt.Errorf("build mstp engine: %w", err)
	}
	engine.Direction = serial

	localIP, mask, err := interfaceAddress(cfg.Interface)
	if err != nil {
		serial.Close()
		return nil, fmt.Errorf("resolve interface %s: %w", cfg.Interface, err)
	}

	udp, err := iplink.ListenUDP(cfg.IPPort, cfg.LogLevel)
	if err != nil {
		serial.Close()
		return nil, fmt.Errorf("open bacnet/ip socket: %w", err)
	}

	additional, err := parseAddresses(cfg.AdditionalBroadcast, cfg.IPPort)
	if err != nil {
		serial.Close()
		udp.Close()
		return nil, err
	}

	link := bvlc.NewDatalink(bvlc.Config{
		LocalIP:             localIP,
		SubnetMask:          mask,
		Port:                cfg.IPPort,
		GlobalBroadcast:     cfg.GlobalBroadcast,
		DirectedBroadcast:   cfg.DirectedBroadcast,
		AdditionalBroadcast: additional,
	}, udp)

	for _, e := range cfg.BDT {
		peer, perr := parseEndpoint(e.Peer, cfg.IPPort)
		if perr != nil {
			continue
		}
		entry := bvlc.BDTEntry{Peer: peer}
		if mask := net.ParseIP(e.Mask); mask != nil {
			if mask4 := mask.To4(); mask4 != nil {
				copy(entry.BroadcastMask[:], mask4)
			}
		}
		link.BDT.Add(entry)
	}

	r := router.New(router.Config{MSTPNetwork: cfg.MSTPNetwork, IPNetwork: cfg.IPNetwork}, engine, link)

	var db *storage.Storage
	if cfg.StoragePath != "" && cfg.StoragePath != "disabled" {
		db, err = storage.Open(cfg.StoragePath)
		if err != nil {
			serial.Close()
			udp.Close()
			return nil, fmt.Errorf("open storage: %w", err)
		}
		if entries, loadErr := db.LoadBDT(); loadErr == nil {
			link.BDT.Clear()
			for _, e := range entries {
				link.BDT.Add(e)
			}
		}
		if addrs, loadErr := db.LoadAddresses(); loadErr == nil {
			r.Addresses.Restore(addrs)
		}
	}

	now := time.Now()
	for _, route := range cfg.StaticRoutes {
		addr, perr := parseEndpoint(route.IP, cfg.IPPort)
		if perr != nil {
			continue
		}
		r.Addresses.Learn(route.MSTPMac, addr, now)
	}

	agent := diag.NewAgent(fmt.Sprintf("bacrouter-%d", cfg.DeviceInstance), engine.Stats, link, r)

	return &Gateway{
		cfg:    cfg,
		engine: engine,
		serial: serial,
		link:   link,
		udp:    udp,
		router: r,
		db:     db,
		Diag:   agent,
	}, nil
}

// interfaceAddress returns the first IPv4 address and subnet mask bound
// to the named interface.
func interfaceAddress(name string) (net.IP, net.IPMask, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, nil, err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, nil, err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4, ipNet.Mask, nil
		}
	}
	return nil, nil, fmt.Errorf("interface %s has no IPv4 address", name)
}

func parseEndpoint(raw string, defaultPort uint16) (bvlc.Address, error) {
	host, portStr, err := net.SplitHostPort(raw)
	port := defaultPort
	if err != nil {
		host = raw
	} else if p, perr := parsePort(portStr); perr == nil {
		port = p
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return bvlc.Address{}, fmt.Errorf("invalid endpoint %q", raw)
	}
	return bvlc.NewAddress(ip, port)
}

func parsePort(s string) (uint16, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	return uint16(n), nil
}

func parseAddresses(raw []string, defaultPort uint16) ([]bvlc.Address, error) {
	out := make([]bvlc.Address, 0, len(raw))
	for _, r := range raw {
		addr, err := parseEndpoint(r, defaultPort)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// Run brings every collaborator up and blocks until ctx is cancelled,
// then shuts everything down in reverse order and persists learned
// state: cancel, stop, close, save.
func (g *Gateway) Run(ctx context.Context) error {
	g.startedAt = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.engine.Run(runCtx); err != nil && runCtx.Err() == nil {
			logging.SubsystemDebug(logging.SubsystemMSTP, g.cfg.LogLevel, 1, "engine stopped: %v", err)
		}
	}()

	g.wg.Add(1)
	go g.drainMSTP(runCtx)

	stopUDP := make(chan struct{})
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.udp.Serve(stopUDP, g.handleInboundUDP); err != nil {
			logging.SubsystemDebug(logging.SubsystemBVLC, g.cfg.LogLevel, 1, "udp serve stopped: %v", err)
		}
	}()

	g.wg.Add(1)
	go g.housekeeping(runCtx)

	if err := g.router.AnnounceStartup(); err != nil {
		logging.SubsystemDebug(logging.SubsystemRouter, g.cfg.LogLevel, 1, "startup announcement failed: %v", err)
	}

	<-ctx.Done()
	cancel()
	close(stopUDP)
	g.wg.Wait()

	return g.shutdown()
}

func (g *Gateway) drainMSTP(ctx context.Context) {
	defer g.wg.Done()
	ticker := time.NewTicker(mstp.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				f, ok := g.engine.Recv()
				if !ok {
					break
				}
				if err := g.router.RouteFromMSTP(f.Payload, f.Src, time.Now()); err != nil {
					logging.SubsystemDebug(logging.SubsystemRouter, g.cfg.LogLevel, 1, "route from mstp: %v", err)
				}
			}
		}
	}
}

func (g *Gateway) handleInboundUDP(datagram []byte, from bvlc.Address) error {
	inbound, err := g.link.HandleInbound(datagram, from, time.Now())
	if err != nil {
		return err
	}
	if inbound.Kind != bvlc.InboundNPDU {
		return nil
	}
	return g.router.RouteFromIP(inbound.NPDU, inbound.Origin, time.Now())
}

func (g *Gateway) housekeeping(ctx context.Context) {
	defer g.wg.Done()
	interval := g.cfg.HousekeepingInterval
	if interval <= 0 {
		interval = config.DefaultHousekeeping
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.router.Housekeeping(time.Now())
		}
	}
}

// Snapshot returns a point-in-time diagnostics snapshot of the running
// gateway's counters, for callers (the CLI's stats export, the status
// TUI) that only hold a *Gateway and need not reach into pkg/diag
// themselves.
func (g *Gateway) Snapshot() diag.Snapshot {
	return diag.Collect(g.engine.Stats, g.link, g.router)
}

func (g *Gateway) shutdown() error {
	g.serial.Close()
	g.udp.Close()

	if g.db == nil {
		return nil
	}
	defer g.db.Close()

	if err := g.db.SaveBDT(g.link.BDT.Entries()); err != nil {
		logging.SubsystemDebug(logging.SubsystemBVLC, g.cfg.LogLevel, 1, "save BDT: %v", err)
	}
	if err := g.db.SaveAddresses(g.router.Addresses.Snapshot()); err != nil {
		logging.SubsystemDebug(logging.SubsystemRouter, g.cfg.LogLevel, 1, "save addresses: %v", err)
	}

	snap := g.engine.Stats.Snapshot()
	record := storage.RunRecord{
		StartedAt:         g.startedAt,
		Duration:          time.Since(g.startedAt),
		FramesMSTPToIP:    snap.FramesReceived,
		CRCErrors:         snap.HeaderCRCErrors + snap.DataCRCErrors,
		TokenPassFailures: snap.TokenPassFailures,
	}
	return g.db.AddRun(record)
}
