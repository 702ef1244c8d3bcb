package protocol

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/embernet/ember/pkg/codec"
	"github.com/embernet/ember/pkg/crypto"
)

// IssueToken mints a fresh connect token for clientID, good against the
// given server addresses for ttl. This stands in for the out-of-scope HTTP
// token distribution service in the demo binaries and in tests: it returns
// both the raw wire bytes (forwarded verbatim in REQUEST) and the
// plaintext fields a real distribution service would hand the client
// alongside them.
func IssueToken(serverKey crypto.Key, protocolID uint64, clientID int64, timeoutSeconds int32, addresses []netip.AddrPort, userData [codec.UserDataSize]byte, ttl time.Duration, now time.Time) (raw []byte, pub codec.Token, priv codec.PrivateToken, err error) {
	c2s, err := crypto.GenerateKey()
	if err != nil {
		return nil, codec.Token{}, codec.PrivateToken{}, err
	}
	s2c, err := crypto.GenerateKey()
	if err != nil {
		return nil, codec.Token{}, codec.PrivateToken{}, err
	}

	priv = codec.PrivateToken{
		ClientID:       clientID,
		TimeoutSeconds: timeoutSeconds,
		Addresses:      addresses,
		ClientToServer: c2s,
		ServerToClient: s2c,
		UserData:       userData,
	}

	tok := codec.Token{
		ProtocolID: protocolID,
		CreateTime: now,
		ExpireTime: now.Add(ttl),
		Private:    priv,
	}
	if err := crypto.SecureRandom(tok.Nonce[:]); err != nil {
		return nil, codec.Token{}, codec.PrivateToken{}, err
	}

	raw, err = codec.EncodeToken(tok, serverKey)
	if err != nil {
		return nil, codec.Token{}, codec.PrivateToken{}, fmt.Errorf("protocol: issue token: %w", err)
	}
	pub, err = codec.DecodePublic(raw, now)
	if err != nil {
		return nil, codec.Token{}, codec.PrivateToken{}, fmt.Errorf("protocol: issue token: re-decode public: %w", err)
	}
	return raw, pub, priv, nil
}
