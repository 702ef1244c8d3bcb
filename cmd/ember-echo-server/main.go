// Command ember-echo-server runs a minimal EMBER server that echoes every
// payload it receives back to its sender on the same channel.
//
// It also writes the connect token a matching ember-echo-client needs to
// /tmp/ember-echo-token.bin, since this module has no token-issuing service
// of its own (spec.md §1's non-goal) — in a real deployment that token
// would come from the game's own backend instead.
package main

import (
	"context"
	"crypto/rand"
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
	"github.com/embernet/ember/pkg/packet"
)

const protocolID = 0x454d424552303031 // "EMBER001"

var opt struct {
	Help      bool
	Addr      string
	TokenPath string
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.StringVarP(&opt.Addr, "addr", "a", "127.0.0.1:9412", "UDP address to listen on")
	pflag.StringVarP(&opt.TokenPath, "token-out", "t", "/tmp/ember-echo-token.bin", "where to write the client connect token")
}

func main() {
	pflag.Parse()
	if opt.Help {
		fmt.Printf("usage: %s [options]\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		os.Exit(0)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Str("cmd", "ember-echo-server").Logger()

	addr, err := netip.ParseAddrPort(opt.Addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", opt.Addr).Msg("parse listen address")
	}

	var privateKey crypto.Key
	if _, err := rand.Read(privateKey[:]); err != nil {
		log.Fatal().Err(err).Msg("generate private key")
	}

	if err := writeClientToken(privateKey, addr, opt.TokenPath); err != nil {
		log.Fatal().Err(err).Msg("write client token")
	}
	log.Info().Str("path", opt.TokenPath).Msg("wrote connect token for ember-echo-client")

	cfg := api.Config{
		ProtocolID:     protocolID,
		ChannelModes:   []delivery.Mode{delivery.Reliable},
		Logger:         log,
		PrivateKey:     privateKey,
		MaxPeers:       64,
		BoundAddresses: []netip.AddrPort{addr},
	}

	sock, err := api.NewServerSocket(cfg, api.SocketCallbacks{
		OnConnect: func(session *api.Session) {
			log.Info().Stringer("addr", session.RemoteAddr).Msg("client connected")
		},
		OnDisconnect: func(session *api.Session) {
			log.Info().Stringer("addr", session.RemoteAddr).Msg("client disconnected")
		},
		OnReceive: func(session *api.Session, channelIndex int, msg *api.Message) {
			buf := make([]byte, msg.Remaining())
			if _, err := msg.Read(buf); err != nil {
				log.Error().Err(err).Msg("read received message")
				return
			}
			log.Info().Stringer("addr", session.RemoteAddr).Bytes("payload", buf).Msg("echoing payload")

			reply := api.NewMessage()
			if _, err := reply.Write(buf); err != nil {
				log.Error().Err(err).Msg("write echo reply")
				return
			}
			if err := session.Channels[channelIndex].Send(reply); err != nil {
				log.Error().Err(err).Msg("send echo reply")
			}
		},
		OnDenied: func(addr netip.AddrPort, reason packet.DenialReason) {
			log.Warn().Stringer("addr", addr).Stringer("reason", reason).Msg("connection denied")
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("create server socket")
	}

	if err := sock.Listen(addr); err != nil {
		log.Fatal().Err(err).Msg("listen")
	}
	defer sock.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info().Msg("shutting down")
}

// writeClientToken mints a connect token for a single client, scoped to
// this demo: a production deployment issues tokens from the game's own
// backend, never from the transport server itself.
//
// The file holds the raw 2048-byte token forwarded to the server in
// REQUEST, followed by the PrivateToken fields a real issuing service
// would deliver to the client out of band alongside it (spec.md §1's
// non-goal excludes that service, so this demo stands in for it).
func writeClientToken(serverKey crypto.Key, addr netip.AddrPort, path string) error {
	var clientToServer, serverToClient crypto.Key
	if _, err := rand.Read(clientToServer[:]); err != nil {
		return err
	}
	if _, err := rand.Read(serverToClient[:]); err != nil {
		return err
	}
	var nonce codec.TokenNonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}

	now := time.Now()
	priv := codec.PrivateToken{
		ClientID:       int64(now.UnixNano()),
		TimeoutSeconds: 30,
		Addresses:      []netip.AddrPort{addr},
		ClientToServer: clientToServer,
		ServerToClient: serverToClient,
	}
	tok := codec.Token{
		ProtocolID: protocolID,
		CreateTime: now,
		ExpireTime: now.Add(time.Hour),
		Nonce:      nonce,
		Private:    priv,
	}
	raw, err := codec.EncodeToken(tok, serverKey)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}

	buf := append([]byte(nil), raw...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(priv.ClientID))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(priv.TimeoutSeconds))
	buf = append(buf, priv.ClientToServer[:]...)
	buf = append(buf, priv.ServerToClient[:]...)
	addrStr := addr.String()
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(addrStr)))
	buf = append(buf, addrStr...)

	return os.WriteFile(path, buf, 0o600)
}
