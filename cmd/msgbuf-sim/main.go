package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	msgbuf "github.com/ehrlich-b/go-msgbuf"
	"github.com/ehrlich-b/go-msgbuf/internal/fwsim"
	"github.com/ehrlich-b/go-msgbuf/internal/logging"
	"github.com/ehrlich-b/go-msgbuf/internal/shmbus"
)

// simDriver counts what the protocol hands back and hands receive buffers
// straight back
type simDriver struct {
	p *msgbuf.Protocol

	txOK, txFail atomic.Uint64
	rxFrames     atomic.Uint64
	rxBytes      atomic.Uint64
	events       atomic.Uint64
	blocked      atomic.Int32
}

func (d *simDriver) TxComplete(ifidx int, pkt *msgbuf.Packet, ok bool) {
	if ok {
		d.txOK.Add(1)
	} else {
		d.txFail.Add(1)
	}
}

func (d *simDriver) RxData(ifidx int, pkt *msgbuf.Packet) bool {
	d.rxFrames.Add(1)
	d.rxBytes.Add(uint64(pkt.Len()))
	d.p.Release(pkt)
	return true
}

func (d *simDriver) RxEvent(ifidx int, data []byte) {
	d.events.Add(1)
}

func (d *simDriver) TxFlowBlock(ifidx int, blocked bool) {
	if blocked {
		d.blocked.Add(1)
	} else {
		d.blocked.Add(-1)
	}
}

func (d *simDriver) completed() uint64 {
	return d.txOK.Load() + d.txFail.Load()
}

func main() {
	var (
		verbose     = flag.Bool("v", false, "Verbose output")
		configPath  = flag.String("config", "", "YAML parameter file")
		frames      = flag.Int("frames", 10000, "Frames to transmit")
		peers       = flag.Int("peers", 4, "Destination peers (one flow per peer and priority)")
		frameSize   = flag.Int("size", 512, "Frame size in bytes")
		metricsAddr = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address and wait for a signal")
	)
	flag.Parse()

	if *peers < 1 || *peers > 255 {
		log.Fatalf("Invalid peer count %d", *peers)
	}
	if *frameSize <= msgbuf.EthHeaderLen || *frameSize > msgbuf.MaxPktSize {
		log.Fatalf("Invalid frame size %d", *frameSize)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	params := msgbuf.DefaultParams()
	if *configPath != "" {
		var err error
		params, err = msgbuf.LoadParams(*configPath)
		if err != nil {
			logger.Error("failed to load parameters", "path", *configPath, "error", err)
			os.Exit(1)
		}
	}

	bus, err := shmbus.New(shmbus.Config{Logger: logger})
	if err != nil {
		logger.Error("failed to create bus", "error", err)
		os.Exit(1)
	}

	drv := &simDriver{}
	p, err := msgbuf.Attach(bus, drv, params, &msgbuf.Options{Logger: logger})
	if err != nil {
		logger.Error("failed to attach", "error", err)
		_ = bus.Close()
		os.Exit(1)
	}
	drv.p = p

	fw, err := fwsim.New(fwsim.Config{
		Bus:       bus,
		Loopback:  true,
		Interrupt: func() { p.Poll() },
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to start firmware simulator", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fwDone := make(chan struct{})
	go func() {
		defer close(fwDone)
		fw.Run(ctx, 0)
	}()

	defer func() {
		cancel()
		<-fwDone
		if err := p.Detach(); err != nil {
			logger.Error("detach reported leaks", "error", err)
		}
		if err := bus.Close(); err != nil {
			logger.Error("bus close reported leaks", "error", err)
		}
	}()

	if err := p.ConfigureAddrMode(0, msgbuf.AddrDirect); err != nil {
		logger.Error("failed to set addressing mode", "error", err)
		return
	}

	version := make([]byte, 64)
	copy(version, "ver")
	resp, err := p.Query(ctx, 0, 1, version)
	if err != nil {
		logger.Error("ioctl failed", "error", err)
		return
	}
	logger.Info("ioctl answered", "status", resp.Status, "len", resp.Len)

	start := time.Now()
	submitted := 0
	for i := 0; i < *frames; i++ {
		for drv.blocked.Load() > 0 {
			time.Sleep(100 * time.Microsecond)
		}
		if err := p.Submit(0, newFrame(i, *peers, *frameSize)); err != nil {
			logger.Warn("submit failed", "frame", i, "error", err)
			continue
		}
		submitted++
	}

	deadline := time.Now().Add(10 * time.Second)
	for drv.completed() < uint64(submitted) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	elapsed := time.Since(start)

	stats := p.Stats()
	snap := p.Metrics().Snapshot()
	pps := float64(drv.completed()) / elapsed.Seconds()
	fmt.Printf("frames:   %s submitted, %s completed, %s failed\n",
		humanize.Comma(int64(submitted)),
		humanize.Comma(int64(drv.txOK.Load())),
		humanize.Comma(int64(drv.txFail.Load())))
	fmt.Printf("tx:       %s in %s (%s pps, %s/s)\n",
		humanize.Bytes(snap.TxBytes), elapsed.Round(time.Millisecond),
		humanize.Comma(int64(pps)), humanize.Bytes(uint64(float64(snap.TxBytes)/elapsed.Seconds())))
	fmt.Printf("rx:       %s frames, %s looped back\n",
		humanize.Comma(int64(drv.rxFrames.Load())), humanize.Bytes(drv.rxBytes.Load()))
	fmt.Printf("flows:    %d open, %d created\n", len(stats.Flows), snap.FlowsCreated)
	fmt.Printf("buffers:  %d rx posted, %d events posted, %d ioctl posted\n",
		stats.RxDataPosted, stats.EventsPosted, stats.IoctlRespPosted)
	fmt.Printf("ioctl:    %d ops, avg %s\n", snap.IoctlOps, time.Duration(snap.AvgLatencyNs))

	if *metricsAddr == "" {
		return
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(msgbuf.NewCollector(p))
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", *metricsAddr)
	fmt.Printf("\nMetrics on http://%s/metrics, press Ctrl+C to stop...\n", *metricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

// newFrame builds frame i: peers take turns as destination and the
// priority cycles through all eight
func newFrame(i, peers, size int) *msgbuf.Packet {
	data := make([]byte, size)
	data[0], data[1], data[5] = 0x02, 0x00, byte(1+i%peers)
	data[6], data[7], data[11] = 0x02, 0x00, 0xfe
	data[12], data[13] = 0x08, 0x00
	for j := msgbuf.EthHeaderLen; j < size; j++ {
		data[j] = byte(i + j)
	}
	pkt := msgbuf.NewPacket(data)
	pkt.Priority = uint8(i % 8)
	return pkt
}
