// Command ember-echo-client connects to an ember-echo-server using the
// connect-token bundle it wrote out, sends one message per line of stdin
// on its single RELIABLE channel, and logs whatever comes back.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/embernet/ember/pkg/api"
	"github.com/embernet/ember/pkg/codec"
	"github.com/embernet/ember/pkg/crypto"
	"github.com/embernet/ember/pkg/delivery"
	"github.com/embernet/ember/pkg/protocol"
)

const protocolID = 0x454d424552303031 // "EMBER001"

var opt struct {
	Help      bool
	TokenPath string
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.StringVarP(&opt.TokenPath, "token", "t", "/tmp/ember-echo-token.bin", "connect token bundle written by ember-echo-server")
}

func main() {
	pflag.Parse()
	if opt.Help {
		fmt.Printf("usage: %s [options]\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		os.Exit(0)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Str("cmd", "ember-echo-client").Logger()

	raw, priv, err := readTokenBundle(opt.TokenPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", opt.TokenPath).Msg("read connect token bundle")
	}
	pub, err := codec.DecodePublic(raw, time.Now())
	if err != nil {
		log.Fatal().Err(err).Msg("decode connect token public section")
	}

	cfg := api.Config{
		ProtocolID:   protocolID,
		ChannelModes: []delivery.Mode{delivery.Reliable},
		Logger:       log,
		RawToken:     raw,
		PublicToken:  pub,
		PrivateToken: priv,
	}

	done := make(chan struct{})
	sock, err := api.NewClientSocket(cfg, api.SocketCallbacks{
		OnConnect: func(session *api.Session) {
			log.Info().Msg("connected")
		},
		OnConnectResult: func(result protocol.ConnectResult) {
			log.Warn().Int("result", int(result)).Msg("connect failed")
			close(done)
		},
		OnDisconnect: func(session *api.Session) {
			log.Info().Msg("disconnected")
			close(done)
		},
		OnReceive: func(session *api.Session, channelIndex int, msg *api.Message) {
			buf := make([]byte, msg.Remaining())
			if _, err := msg.Read(buf); err != nil {
				log.Error().Err(err).Msg("read received message")
				return
			}
			fmt.Printf("server: %s\n", buf)
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("create client socket")
	}

	if err := sock.Connect(); err != nil {
		log.Fatal().Err(err).Msg("connect")
	}
	defer sock.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go readStdinLines(sock, log)

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case <-done:
	}
}

func readStdinLines(sock *api.Socket, log zerolog.Logger) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		sessions := sock.Sessions()
		if len(sessions) == 0 {
			log.Warn().Msg("not connected yet, dropping input line")
			continue
		}
		msg := api.NewMessage()
		if _, err := msg.Write([]byte(line)); err != nil {
			log.Error().Err(err).Msg("write outgoing message")
			continue
		}
		if err := sessions[0].Channels[0].Send(msg); err != nil {
			log.Error().Err(err).Msg("send message")
		}
	}
}

// readTokenBundle reads the raw 2048-byte connect token plus the
// PrivateToken fields ember-echo-server appended after it, the out-of-band
// delivery a real token-issuing service would perform (see ember-echo-server).
func readTokenBundle(path string) ([]byte, codec.PrivateToken, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, codec.PrivateToken{}, err
	}
	if len(buf) < codec.TokenSize {
		return nil, codec.PrivateToken{}, fmt.Errorf("token bundle is %d bytes, want at least %d", len(buf), codec.TokenSize)
	}
	raw := buf[:codec.TokenSize]
	rest := buf[codec.TokenSize:]

	const fixedLen = 8 + 4 + crypto.KeySize + crypto.KeySize + 2
	if len(rest) < fixedLen {
		return nil, codec.PrivateToken{}, fmt.Errorf("token bundle trailer is %d bytes, want at least %d", len(rest), fixedLen)
	}

	var priv codec.PrivateToken
	priv.ClientID = int64(binary.LittleEndian.Uint64(rest))
	rest = rest[8:]
	priv.TimeoutSeconds = int32(binary.LittleEndian.Uint32(rest))
	rest = rest[4:]
	copy(priv.ClientToServer[:], rest[:crypto.KeySize])
	rest = rest[crypto.KeySize:]
	copy(priv.ServerToClient[:], rest[:crypto.KeySize])
	rest = rest[crypto.KeySize:]
	addrLen := binary.LittleEndian.Uint16(rest)
	rest = rest[2:]
	if len(rest) < int(addrLen) {
		return nil, codec.PrivateToken{}, fmt.Errorf("token bundle trailer truncated address")
	}
	addr, err := netip.ParseAddrPort(string(rest[:addrLen]))
	if err != nil {
		return nil, codec.PrivateToken{}, fmt.Errorf("parse server address: %w", err)
	}
	priv.Addresses = []netip.AddrPort{addr}

	return raw, priv, nil
}
