package crypto

import "errors"

// ErrCryptoFailed is returned whenever AEAD verification fails. It never
// distinguishes truncation from tampering from a wrong key — the network is
// untrusted and no more detail should leak to a caller.
var ErrCryptoFailed = errors.New("crypto: aead verification failed")
