// Command qxrecv is the receiver CLI: it requests a transfer from a sender
// and writes the delivered byte stream to <prefix>received_data.txt.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/aetherflow/quantumxfer/internal/quantum/netio"
	"github.com/aetherflow/quantumxfer/internal/quantum/receiver"
	"github.com/aetherflow/quantumxfer/internal/quantum/wire"
)

// handshakeRequest is the single-byte file-request datagram.
var handshakeRequest = []byte{0x01}

func main() {
	debug := flag.Bool("debug", false, "enable verbose development logging")
	enableFEC := flag.Bool("fec", false, "decode the optional Reed-Solomon FEC shield (must match the sender)")
	flag.Parse()

	args := flag.Args()
	if len(args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: qxrecv <server-ip> <server-port> <output-prefix>")
		os.Exit(1)
	}
	serverIP, serverPort, prefix := args[0], args[1], args[2]

	logger := mustLogger(*debug)
	defer logger.Sync()

	outPath := prefix + "received_data.txt"
	out, err := os.Create(outPath)
	if err != nil {
		logger.Error("cannot create output file", zap.String("path", outPath), zap.Error(err))
		os.Exit(1)
	}
	defer out.Close()

	sock, err := netio.Dial(fmt.Sprintf("%s:%s", serverIP, serverPort))
	if err != nil {
		logger.Error("cannot dial sender", zap.Error(err))
		os.Exit(1)
	}
	defer sock.Close()

	engine := receiver.New(sock, out, logger, receiver.Config{EnableFEC: *enableFEC})

	first, firstFrom, err := performHandshake(sock, logger)
	if err != nil {
		logger.Error("handshake failed", zap.Error(err))
		os.Exit(1)
	}
	sock.SetRemote(firstFrom)

	logger.Info("reception starting",
		zap.String("server", fmt.Sprintf("%s:%s", serverIP, serverPort)),
		zap.String("output", outPath),
	)

	now := time.Now()
	if finished, err := engine.Prime(first, now); err != nil {
		logger.Error("session aborted", zap.Error(err), zap.Any("stats", engine.Statistics()))
		os.Exit(1)
	} else if finished {
		logger.Info("reception complete", zap.Any("stats", engine.Statistics()))
		return
	}

	for {
		deadline, finished, err := engine.Step(now)
		if err != nil {
			logger.Error("session aborted", zap.Error(err), zap.Any("stats", engine.Statistics()))
			os.Exit(1)
		}
		if finished {
			logger.Info("reception complete", zap.Any("stats", engine.Statistics()))
			return
		}
		if wait := time.Until(deadline); wait > 0 {
			time.Sleep(wait)
		}
		now = time.Now()
	}
}

// performHandshake sends a single-byte datagram (0x01), retried up to five
// times with a 2s timeout; the first data segment received is treated as
// the handshake response.
func performHandshake(sock *netio.Socket, logger *zap.Logger) (wire.Segment, *net.UDPAddr, error) {
	for i := 0; i < 5; i++ {
		if err := sock.SendRaw(handshakeRequest); err != nil {
			return wire.Segment{}, nil, err
		}
		seg, from, ok, err := sock.Recv(time.Now().Add(2 * time.Second))
		if err != nil {
			return wire.Segment{}, nil, err
		}
		if ok {
			return seg, from, nil
		}
		logger.Warn("no response to handshake request, retrying", zap.Int("attempt", i+1))
	}
	return wire.Segment{}, nil, fmt.Errorf("no handshake response received after 5 attempts")
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
