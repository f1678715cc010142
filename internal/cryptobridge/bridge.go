// Package cryptobridge talks to the external process that signs request bodies
// and decrypts responses for the vendor API.
package cryptobridge

import (
	"context"
	"encoding/json"
)

// Envelope is an encrypted request body plus its signature.
type Envelope struct {
	Body string // base64 payload posted as the request body
	Sign string
}

// Decrypted is a decrypted response. JSON is nil when the sidecar could not parse the text.
type Decrypted struct {
	Text string
	JSON json.RawMessage
}

// Bridge is the signing and decryption capability the catalog client depends on.
type Bridge interface {
	Encrypt(ctx context.Context, plain string) (Envelope, error)
	Decrypt(ctx context.Context, blob []byte) (Decrypted, error)
}
