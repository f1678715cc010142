package cryptobridge

import (
	"context"

	"github.com/italolelis/qqmusic_downloader/internal/telemetry"
)

const clientType = "crypto_sidecar"

// InstrumentedBridge wraps a Bridge with telemetry.
type InstrumentedBridge struct {
	bridge    Bridge
	telemetry *telemetry.Telemetry
}

func NewInstrumentedBridge(bridge Bridge, tel *telemetry.Telemetry) *InstrumentedBridge {
	return &InstrumentedBridge{bridge: bridge, telemetry: tel}
}

func (b *InstrumentedBridge) Encrypt(ctx context.Context, plain string) (Envelope, error) {
	var env Envelope

	err := b.telemetry.InstrumentClientOperation(ctx, clientType, actionEncrypt, func(ctx context.Context) error {
		var err error
		env, err = b.bridge.Encrypt(ctx, plain)

		return err
	})

	return env, err
}

func (b *InstrumentedBridge) Decrypt(ctx context.Context, blob []byte) (Decrypted, error) {
	var dec Decrypted

	err := b.telemetry.InstrumentClientOperation(ctx, clientType, actionDecrypt, func(ctx context.Context) error {
		var err error
		dec, err = b.bridge.Decrypt(ctx, blob)

		return err
	})

	return dec, err
}
