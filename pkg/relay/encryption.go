package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/giongto35/cloud-relay/pkg/api"
	"github.com/giongto35/cloud-relay/pkg/crypto"
	"github.com/giongto35/cloud-relay/pkg/keyservice"
	"github.com/giongto35/cloud-relay/pkg/wire"
)

var errNoKeyService = errors.New("no key service")

// negotiateEncryption tells the peer whether the connection is encrypted.
// Only the key id goes over the wire, the peer gets the key itself from
// the key service. Any failure leaves the connection in the clear.
func (r *Relay) negotiateEncryption(ctx context.Context, c *Connection) error {
	if !r.conf.Encryption.Enabled {
		r.metrics.encryption.WithLabelValues(api.EncryptionOff).Inc()
		return c.SendMessage(&api.EncryptionStatus{Status: api.EncryptionOff})
	}

	key, cipher, err := r.issueKey(ctx)
	if err != nil {
		r.metrics.encryption.WithLabelValues(api.EncryptionFailed).Inc()
		if serr := c.SendMessage(&api.EncryptionStatus{Status: api.EncryptionFailed}); serr != nil {
			return serr
		}
		return fmt.Errorf("%w: %v", ErrEncryptionNegotiationFailed, err)
	}

	err = c.sendAndSeal(&api.EncryptionStatus{Status: api.EncryptionOn, ID: key.ID},
		func(t wire.Transport) { t.SetCipher(cipher) })
	if err != nil {
		return err
	}
	r.metrics.encryption.WithLabelValues(api.EncryptionOn).Inc()
	c.Log().Debug().Str("key", key.ID).Msg("Encrypted")
	return nil
}

func (r *Relay) issueKey(ctx context.Context) (keyservice.Key, *crypto.Cipher, error) {
	if r.keyFetcher == nil {
		return keyservice.Key{}, nil, errNoKeyService
	}
	if d := r.conf.Encryption.Timeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	key, err := r.keyFetcher.Fetch(ctx)
	if err != nil {
		return key, nil, err
	}
	cipher, err := crypto.NewCipherFromKey(key.Secret)
	if err != nil {
		return key, nil, err
	}
	return key, cipher, nil
}
