// Package wellknown publishes the credential verification key as a JWKS
// document and fetches it back for offline verification.
package wellknown

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/core-coin/mealpass/pkg/logger"
)

// Path is where the key set is served.
const Path = "/.well-known/jwks.json"

// JWK is an Ed25519 public key in RFC 8037 form.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
}

type JWKS struct {
	Keys []JWK `json:"keys"`
}

// KeyID derives a stable identifier from the key bytes.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

func NewJWKS(pub ed25519.PublicKey) *JWKS {
	return &JWKS{Keys: []JWK{{
		Kty: "OKP",
		Crv: "Ed25519",
		X:   base64.RawURLEncoding.EncodeToString(pub),
		Kid: KeyID(pub),
		Use: "sig",
		Alg: "EdDSA",
	}}}
}

// PublicKey returns the key with the given kid, or the first key when kid
// is empty.
func (j *JWKS) PublicKey(kid string) (ed25519.PublicKey, error) {
	for _, key := range j.Keys {
		if kid != "" && key.Kid != kid {
			continue
		}
		if key.Kty != "OKP" || key.Crv != "Ed25519" {
			return nil, fmt.Errorf("unsupported key type %s/%s", key.Kty, key.Crv)
		}
		raw, err := base64.RawURLEncoding.DecodeString(key.X)
		if err != nil {
			return nil, fmt.Errorf("failed to decode key: %w", err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid key length %d", len(raw))
		}
		return ed25519.PublicKey(raw), nil
	}
	return nil, fmt.Errorf("key %q not found", kid)
}

// Client fetches a published key set.
type Client struct {
	logger  *logger.Logger
	baseURL string
	client  *http.Client
}

func NewClient(logger *logger.Logger, baseURL string) *Client {
	return &Client{
		logger:  logger.Named("wellknown"),
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// FetchKeySet downloads the key set from the configured server.
func (c *Client) FetchKeySet(ctx context.Context) (*JWKS, error) {
	url := c.baseURL + Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key set: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
	}

	var keys JWKS
	if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil {
		return nil, fmt.Errorf("failed to decode key set: %w", err)
	}
	c.logger.Debug("Fetched key set", "url", url, "keys", len(keys.Keys))
	return &keys, nil
}
