package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ISF-H-BRS/ReDeX-sub001/internal/calibration"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/config"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/device"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/device/usb"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/events"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/filter"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/hubsim"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/logging"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/monitor"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/publish"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/recorder"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/server"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/session"
	"github.com/ISF-H-BRS/ReDeX-sub001/web"
)

// reconnectDelay is the pause after a session ends or a connect gives up.
const reconnectDelay = 5 * time.Second

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated hub on a local port")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	listPorts := flag.Bool("ports", false, "List serial ports and exit")
	flag.Parse()

	if *listPorts {
		ports, err := session.SerialPorts()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	boot := logging.NewLogrus("info", "text", os.Stderr)
	cfg, err := config.Load(*configPath, boot.Get("config"))
	if err != nil {
		boot.Get("main").WithError(err).Fatal("load config")
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	logs := logging.NewLogrus(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	log := logs.Get("main")
	log.Info("redexd starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := monitor.New()
	opts := []events.Option{
		events.WithLogger(logs.Get("events")),
		events.WithPublishObserver(metrics.ObservePublish),
	}
	if cfg.Filter.Enabled {
		f, err := filter.Voltammogram(cfg.Filter.SampleRate)
		if err != nil {
			log.WithError(err).Warn("voltammogram filter disabled")
		} else {
			opts = append(opts, events.WithFilter(f))
		}
	}
	bridge := events.NewBridge(opts...)
	bridge.AddSink(metrics)

	for _, c := range addSinks(ctx, cfg, bridge, logs) {
		defer c.Close()
	}

	srvOpts := []server.Option{server.WithLogger(logs.Get("server")), server.WithWebFS(web.FS)}
	if cfg.Monitor.Enabled {
		srvOpts = append(srvOpts, server.WithMetrics(metrics.Handler()))
	}
	if cfg.USB.Enabled {
		cal, closer, err := openCalibrator(cfg, bridge, logs)
		if err != nil {
			log.WithError(err).Warn("potentiostat unavailable, calibration disabled")
		} else {
			defer closer.Close()
			srvOpts = append(srvOpts, server.WithCalibrator(cal))
		}
	}
	srv := server.New(cfg, srvOpts...)
	bridge.AddSink(srv)

	if *demo {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			log.WithError(err).Fatal("demo listener")
		}
		sim := hubsim.New(hubsim.DefaultConfig(), logs.Get("hubsim"))
		go sim.ServeListener(ctx, ln)
		cfg.Hub.Transport = "tcp"
		cfg.Hub.Address = ln.Addr().String()
		log.Infof("demo hub on %s", cfg.Hub.Address)
	}

	go runHub(ctx, cfg.Hub, bridge, srv, metrics, logs)

	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Error("server exited")
	}
}

// addSinks connects the optional publishers. One that cannot start is
// logged and skipped.
func addSinks(ctx context.Context, cfg *config.Config, bridge *events.Bridge, logs *logging.Logrus) []io.Closer {
	var closers []io.Closer

	if cfg.Redis.Enabled {
		s, err := publish.NewRedisSink(ctx, publish.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
			History:  cfg.Redis.History,
		}, logs.Get("redis"))
		if err != nil {
			logs.Get("redis").WithError(err).Warn("sink disabled")
		} else {
			bridge.AddSink(s)
			closers = append(closers, s)
		}
	}

	if cfg.AMQP.Enabled {
		s, err := publish.NewAMQPSink(publish.AMQPConfig{
			URL:        cfg.AMQP.URL,
			Exchange:   cfg.AMQP.Exchange,
			ConnectMax: cfg.AMQP.ConnectMax,
		}, logs.Get("amqp"))
		if err != nil {
			logs.Get("amqp").WithError(err).Warn("sink disabled")
		} else {
			var sink events.Sink = s
			if cfg.AMQP.Dedup {
				sink = publish.NewDeduplicator(s, publish.DefaultDedupCapacity, publish.DefaultDedupFalsePos)
			}
			bridge.AddSink(sink)
			closers = append(closers, s)
		}
	}

	if cfg.Recorder.Enabled {
		r := recorder.New(recorder.Config{
			Enabled: true,
			Path:    cfg.Recorder.Path,
			MaxRows: cfg.Recorder.MaxRows,
		}, logs.Get("recorder"))
		bridge.AddSink(r)
		closers = append(closers, r)
	}
	return closers
}

// applyOffsets loads the DAC offset into the board once calibration ends.
type applyOffsets struct {
	calibration.Listener
	pot *device.Potentiostat
	log *logrus.Entry
}

func (a applyOffsets) OnFinished(r calibration.Result) {
	if err := a.pot.SetDACOffset(r.DACOffset); err != nil {
		a.log.WithError(err).Error("apply dac offset")
	}
	a.Listener.OnFinished(r)
}

type closeAll []io.Closer

func (c closeAll) Close() error {
	for _, cl := range c {
		cl.Close()
	}
	return nil
}

func openCalibrator(cfg *config.Config, bridge *events.Bridge, logs *logging.Logrus) (*calibration.Sequencer, io.Closer, error) {
	dev, err := usb.Open(cfg.USB.VendorID, cfg.USB.ProductID, cfg.USB.Endpoint)
	if err != nil {
		return nil, nil, err
	}
	pot := device.NewPotentiostat(dev, dev, nil, logs.Get("potentiostat"))
	l := applyOffsets{Listener: bridge.CalibrationListener(), pot: pot, log: logs.Get("calibration")}
	seq := calibration.NewSequencer(pot, l, calibration.Config{Duration: cfg.Calibration.Duration}, logs.Get("calibration"))
	pot.SetListener(seq)
	return seq, closeAll{pot, dev}, nil
}

// runHub keeps a session open until ctx is done, reconnecting after every
// loss.
func runHub(ctx context.Context, cfg config.HubConfig, bridge *events.Bridge, srv *server.Server, metrics *monitor.Metrics, logs *logging.Logrus) {
	log := logs.Get("hub")
	opts := []session.Option{
		session.WithLogger(logs.Get("session")),
		session.WithHandshakeTimeout(cfg.HandshakeTimeout),
		session.WithPollInterval(cfg.PollInterval),
		session.WithObserver(metrics),
	}

	for ctx.Err() == nil {
		s, err := connect(ctx, cfg, bridge, opts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Errorf("hub %s unavailable", session.ResultOf(err))
			if !sleep(ctx, reconnectDelay) {
				return
			}
			continue
		}

		log.Infof("connected to hub (version %q)", s.Version())
		metrics.SetConnected(true)
		srv.SetHub(s)
		greet(s, cfg.PowerMonitor, log)

		select {
		case <-ctx.Done():
		case <-s.Done():
			log.WithError(s.Err()).Warn("hub session ended")
		}
		srv.SetHub(nil)
		metrics.SetConnected(false)
		s.Close()

		if !sleep(ctx, reconnectDelay) {
			return
		}
	}
}

func connect(ctx context.Context, cfg config.HubConfig, l *events.Bridge, opts []session.Option) (*session.Session, error) {
	if cfg.Transport == "serial" {
		return session.OpenSerial(cfg.PortPath, cfg.BaudRate, l, opts...)
	}
	return session.DialWithRetry(ctx, cfg.Address, l, cfg.ReconnectMax, opts...)
}

// greet asks for the installation layout so the dashboard can render it.
func greet(s *session.Session, power bool, log *logrus.Entry) {
	requests := []func() error{s.RequestNodeInfo, s.RequestTestpointInfo}
	if power {
		requests = append(requests, s.StartPowerMonitor)
	}
	for _, req := range requests {
		if err := req(); err != nil {
			log.WithError(err).Warn("initial request failed")
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
