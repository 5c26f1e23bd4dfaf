// Command qxsend is the sender CLI: it reads data.txt from the working
// directory and transmits it over a reliable UDP session. Flag parsing and
// logging use the flag package plus zap, not cobra.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/aetherflow/quantumxfer/internal/quantum/metrics"
	"github.com/aetherflow/quantumxfer/internal/quantum/netio"
	"github.com/aetherflow/quantumxfer/internal/quantum/sender"
)

func main() {
	debug := flag.Bool("debug", false, "enable verbose development logging")
	fixedWindow := flag.Uint("fixed-window", 0, "bytes; use a fixed congestion window instead of CUBIC (0 disables)")
	csvLog := flag.String("cwnd-log", "", "path to write a cwnd diagnostic CSV (empty disables)")
	enableFEC := flag.Bool("fec", false, "proactively send a Reed-Solomon FEC shield alongside data segments")
	metricsAddr := flag.String("metrics-addr", "", "host:port to serve Prometheus metrics on (empty disables)")
	flag.Parse()

	args := flag.Args()
	if len(args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: qxsend <ip> <port> <window-size-hint>")
		os.Exit(1)
	}
	ip, port := args[0], args[1]
	if _, err := strconv.Atoi(args[2]); err != nil {
		fmt.Fprintf(os.Stderr, "invalid window-size-hint %q: %v\n", args[2], err)
		os.Exit(1)
	}

	logger := mustLogger(*debug)
	defer logger.Sync()

	payload, err := os.ReadFile("data.txt")
	if err != nil {
		logger.Error("cannot open payload source", zap.Error(err))
		os.Exit(1)
	}

	sock, err := netio.Listen(fmt.Sprintf("%s:%s", ip, port))
	if err != nil {
		logger.Error("cannot bind", zap.Error(err))
		os.Exit(1)
	}
	defer sock.Close()

	if err := performHandshake(sock, logger); err != nil {
		logger.Error("handshake failed", zap.Error(err))
		os.Exit(1)
	}

	cfg := sender.Config{
		FixedWindow: uint32(*fixedWindow),
		EnableFEC:   *enableFEC,
		CSVLogPath:  *csvLog,
	}

	if *metricsAddr != "" {
		senderMetrics, reg := metrics.NewSender()
		cfg.Metrics = senderMetrics
		metricsSrv := metrics.Serve(*metricsAddr, reg, func(err error) {
			logger.Warn("metrics server error", zap.Error(err))
		})
		defer metricsSrv.Close(context.Background())
		logger.Info("metrics server listening", zap.String("address", *metricsAddr))
	}

	engine := sender.New(sock, payload, cfg, logger)
	defer engine.Close()

	logger.Info("transmission starting",
		zap.String("listen", fmt.Sprintf("%s:%s", ip, port)),
		zap.Int("payload_bytes", len(payload)),
	)

	now := time.Now()
	for {
		deadline, finished, err := engine.Step(now)
		if err != nil {
			logger.Error("session aborted", zap.Error(err), zap.Any("stats", engine.Statistics()))
			os.Exit(1)
		}
		if finished {
			logger.Info("transmission complete", zap.Any("stats", engine.Statistics()))
			return
		}
		if wait := time.Until(deadline); wait > 0 {
			time.Sleep(wait)
		}
		now = time.Now()
	}
}

// performHandshake waits for the receiver's initial request, a single-byte
// datagram (value 0x01); the sender treats that as the cue to begin, so
// it simply waits for the first inbound datagram.
func performHandshake(sock *netio.Socket, logger *zap.Logger) error {
	for i := 0; i < 5; i++ {
		_, from, ok, err := sock.RecvRaw(time.Now().Add(2 * time.Second))
		if err != nil {
			return err
		}
		if ok {
			sock.SetRemote(from)
			return nil
		}
		logger.Warn("waiting for receiver's handshake request", zap.Int("attempt", i+1))
	}
	return fmt.Errorf("no handshake request received after 5 attempts")
}

func mustLogger(debug bool) *zap.Logger {
	if debug {
		logger, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
			os.Exit(1)
		}
		return logger
	}
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
