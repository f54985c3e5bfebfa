// Package hubsim simulates a measurement hub speaking the line protocol.
// It backs the daemon's demo mode and the session tests.
package hubsim

import (
	"bufio"
	"context"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ISF-H-BRS/ReDeX-sub001/internal/firmware"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/logging"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/potentiostat"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/protocol"
)

// Config describes the simulated installation.
type Config struct {
	Version    string
	Nodes      []protocol.NodeInfo
	Testpoints []protocol.TestpointInfo
	Interval   time.Duration // period of sensor and power frames
	Scan       potentiostat.Setup
	Cell       Cell
	Decimate   int     // voltammogram samples kept, 1 in N
	OverheatAt float64 // °C node temperature that raises an alarm
	Seed       int64
}

// DefaultConfig is one testpoint wired to two nodes.
func DefaultConfig() Config {
	return Config{
		Version: "1.0",
		Nodes: []protocol.NodeInfo{
			{ID: "node1", Type: "sensor-interface"},
			{ID: "node2", Type: "potentiostat"},
		},
		Testpoints: []protocol.TestpointInfo{{
			ID:           "tp1",
			Conductance:  protocol.SensorInfo{ID: "cond1", NodeID: "node1", Input: 0},
			ORP:          protocol.SensorInfo{ID: "orp1", NodeID: "node1", Input: 1},
			PH:           protocol.SensorInfo{ID: "ph1", NodeID: "node1", Input: 1},
			Potentiostat: protocol.SensorInfo{ID: "pot1", NodeID: "node2", Input: 0},
			Temperature:  protocol.SensorInfo{ID: "temp1", NodeID: "node1", Input: 2},
		}},
		Interval: time.Second,
		Scan: potentiostat.Setup{
			Type:     potentiostat.CyclicVoltammetry,
			Range:    potentiostat.Range100uA,
			ScanRate: 100,
			Vertex0:  0,
			Vertex1:  500,
			Vertex2:  -300,
			Cycles:   1,
		},
		Cell:       DefaultCell(),
		Decimate:   8,
		OverheatAt: 60,
		Seed:       1,
	}
}

// Hub accepts client connections and answers their requests.
type Hub struct {
	cfg Config
	log *logrus.Entry

	mu    sync.Mutex
	rng   *rand.Rand
	conns map[*conn]struct{}
	probe map[string]*probe
	nodeT float64
}

type probe struct {
	ph   *firmware.Sensor
	temp *firmware.Sensor
	pH   float64
	orp  float64
	degC float64
	ohms float64
}

// New creates a hub. log may be nil.
func New(cfg Config, log *logrus.Entry) *Hub {
	if log == nil {
		log = logging.Discard()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	h := &Hub{
		cfg:   cfg,
		log:   log,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		conns: make(map[*conn]struct{}),
		probe: make(map[string]*probe),
		nodeT: 30,
	}
	for _, tp := range cfg.Testpoints {
		h.probe[tp.ID] = &probe{
			ph:   firmware.NewSensor(firmware.SensorPhOrp),
			temp: firmware.NewSensor(firmware.SensorTemperature),
			pH:   7.2,
			orp:  220,
			degC: 21.5,
			ohms: 830,
		}
	}
	return h
}

// conn is one client connection with its own monitor state.
type conn struct {
	c   net.Conn
	wmu sync.Mutex

	mu        sync.Mutex
	measuring bool
	powering  bool
}

func (c *conn) write(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.c.Write(frame)
	return err
}

func (c *conn) flags() (measuring, powering bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.measuring, c.powering
}

// ListenAndServe accepts connections on addr until ctx is done.
func (h *Hub) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	return h.ServeListener(ctx, ln)
}

// ServeListener accepts connections on ln until ctx is done.
func (h *Hub) ServeListener(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	h.log.Infof("simulated hub listening on %s", ln.Addr())

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		go func() {
			if err := h.Serve(ctx, c); err != nil {
				h.log.WithError(err).Debug("connection ended")
			}
		}()
	}
}

// Serve runs one client connection until it closes or ctx is done.
func (h *Hub) Serve(ctx context.Context, c net.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.Close()

	cn := &conn{c: c}
	h.mu.Lock()
	h.conns[cn] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, cn)
		h.mu.Unlock()
	}()

	if err := cn.write(protocol.Frame(protocol.TagWelcome, h.cfg.Version)); err != nil {
		return errors.Wrap(err, "send preamble")
	}
	h.log.Infof("client %s connected", c.RemoteAddr())

	go func() {
		<-ctx.Done()
		c.Close()
	}()
	go h.tick(ctx, cn)

	sc := bufio.NewScanner(c)
	for sc.Scan() {
		line := strings.TrimSuffix(sc.Text(), "\r")
		if line == "" {
			continue
		}
		if err := h.handle(cn, line); err != nil {
			return err
		}
	}
	return sc.Err()
}

func (h *Hub) handle(cn *conn, cmd string) error {
	h.log.Debugf("request %s", cmd)

	switch cmd {
	case protocol.CmdGetNodeInfo:
		return cn.write(h.nodeInfoFrame())

	case protocol.CmdGetTestpointInfo:
		return cn.write(h.testpointInfoFrame())

	case protocol.CmdStartPowerMonitor:
		cn.mu.Lock()
		cn.powering = true
		cn.mu.Unlock()
		return nil

	case protocol.CmdStopPowerMonitor:
		cn.mu.Lock()
		cn.powering = false
		cn.mu.Unlock()
		return nil

	case protocol.CmdStartMeasurement:
		cn.mu.Lock()
		running := cn.measuring
		cn.measuring = true
		cn.mu.Unlock()
		if running {
			return cn.write(errorFrame(protocol.CodeAlreadyRunning))
		}
		if err := cn.write(protocol.Frame(protocol.TagStatus, protocol.StatusRunning)); err != nil {
			return err
		}
		return h.sendVoltammograms(cn)

	case protocol.CmdStopMeasurement:
		cn.mu.Lock()
		cn.measuring = false
		cn.mu.Unlock()
		return cn.write(protocol.Frame(protocol.TagStatus, protocol.StatusIdle))
	}

	return cn.write(errorFrame(protocol.CodeInvalidCommand))
}

func errorFrame(code int) []byte {
	return protocol.Frame(protocol.TagError, strconv.Itoa(code))
}

func (h *Hub) nodeInfoFrame() []byte {
	tokens := []string{strconv.Itoa(len(h.cfg.Nodes))}
	for _, n := range h.cfg.Nodes {
		tokens = append(tokens, protocol.Join(n.ID, n.Type))
	}
	return protocol.Frame(protocol.TagNodeInfo, tokens...)
}

func (h *Hub) testpointInfoFrame() []byte {
	tokens := []string{strconv.Itoa(len(h.cfg.Testpoints))}
	for _, tp := range h.cfg.Testpoints {
		values := []string{tp.ID}
		for _, s := range tp.Sensors() {
			if s.Input < 0 {
				values = append(values, "", "", "")
				continue
			}
			values = append(values, s.ID, s.NodeID, strconv.Itoa(s.Input))
		}
		tokens = append(tokens, protocol.Join(values...))
	}
	return protocol.Frame(protocol.TagTestpointInfo, tokens...)
}

func (h *Hub) sendVoltammograms(cn *conn) error {
	for _, tp := range h.cfg.Testpoints {
		h.mu.Lock()
		v, err := RunScan(h.cfg.Scan, h.cfg.Cell, h.rng, h.cfg.Decimate)
		h.mu.Unlock()
		if err != nil {
			h.log.WithError(err).Error("scan failed")
			return cn.write(errorFrame(protocol.CodeHardwareFault))
		}
		frame := protocol.Frame(protocol.TagVoltammogram, tp.ID, protocol.JoinFloats(v.Voltages), protocol.JoinFloats(v.Currents))
		if err := cn.write(frame); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) tick(ctx context.Context, cn *conn) {
	t := time.NewTicker(h.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		measuring, powering := cn.flags()
		var frames [][]byte
		if measuring {
			frames = append(frames, h.sensorFrames()...)
		}
		if powering {
			frames = append(frames, h.powerFrames()...)
		}
		for _, f := range frames {
			if err := cn.write(f); err != nil {
				return
			}
		}
	}
}

func (h *Hub) walk(v *float64, step, lo, hi float64) {
	*v += h.rng.NormFloat64() * step
	switch {
	case *v < lo:
		*v = lo
	case *v > hi:
		*v = hi
	}
}

// sensorFrames advances every probe and renders its readings. Raw values
// go through the same sensor conversion the interface board uses.
func (h *Hub) sensorFrames() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	var frames [][]byte
	for _, tp := range h.cfg.Testpoints {
		p := h.probe[tp.ID]
		h.walk(&p.pH, 0.02, 4, 10)
		h.walk(&p.orp, 2, 100, 400)
		h.walk(&p.degC, 0.05, 15, 35)
		h.walk(&p.ohms, 3, 500, 1500)

		p.ph.Update(-(p.pH-7)*firmware.NernstSlope, p.orp)
		p.temp.Update(firmware.RTDResistance(p.degC), 0)
		r, _ := p.ph.PhOrp()
		degC, _ := p.temp.Temperature()

		frames = append(frames,
			protocol.Frame(protocol.TagConductance, tp.ID, protocol.JoinFloats([]float64{1 / p.ohms, p.ohms, degC})),
			protocol.Frame(protocol.TagPH, tp.ID, protocol.FormatFloat(r.PH)),
			protocol.Frame(protocol.TagORP, tp.ID, protocol.FormatFloat(r.ORP)),
			protocol.Frame(protocol.TagTemperature, tp.ID, protocol.FormatFloat(degC)),
		)
	}
	return frames
}

func (h *Hub) powerFrames() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.walk(&h.nodeT, 0.5, 20, 80)
	frames := [][]byte{protocol.Frame(protocol.TagHubStatus, protocol.FormatFloat(35+h.rng.Float64()))}
	for _, n := range h.cfg.Nodes {
		status := []float64{12 + h.rng.Float64()*0.2, 0.2 + h.rng.Float64()*0.05, h.nodeT}
		frames = append(frames, protocol.Frame(protocol.TagNodeStatus, n.ID, protocol.JoinFloats(status)))
		if h.cfg.OverheatAt > 0 && h.nodeT >= h.cfg.OverheatAt {
			frames = append(frames, alarmFrame(n.ID, protocol.Alarm{Type: protocol.Overheat, Severity: protocol.Warning}))
		}
	}
	return frames
}

func alarmFrame(node string, a protocol.Alarm) []byte {
	value := protocol.Join(a.Type.String(), a.Severity.String())
	if node == "" {
		return protocol.Frame(protocol.TagHubAlarm, value)
	}
	return protocol.Frame(protocol.TagNodeAlarm, node, value)
}

// RaiseAlarm sends an alarm to every client. An empty node raises a hub
// alarm.
func (h *Hub) RaiseAlarm(node string, a protocol.Alarm) {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	frame := alarmFrame(node, a)
	for _, c := range conns {
		if err := c.write(frame); err != nil {
			h.log.WithError(err).Debug("alarm not delivered")
		}
	}
}

// SendRaw writes an arbitrary frame to every client.
func (h *Hub) SendRaw(frame []byte) {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.write(frame); err != nil {
			h.log.WithError(err).Debug("raw frame not delivered")
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
