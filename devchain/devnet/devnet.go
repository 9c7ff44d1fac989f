// Package devnet starts a devchain node behind an httptest server and wires
// a ledger client, resolver and builder to it. Tests across the module use
// it to exercise real RPC round trips.
package devnet

import (
	"bytes"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/immutablenpc/npc/devchain"
	"github.com/immutablenpc/npc/ledger"
	"github.com/immutablenpc/npc/persona"
	"github.com/immutablenpc/npc/signer"
)

// Net is a running dev node plus clients bound to it.
type Net struct {
	Chain    *devchain.Chain
	URL      string
	Client   *ledger.Client
	Resolver *ledger.Resolver
	Builder  *ledger.Builder
	// Signer controls sysio, sysio.roa and the registry.
	Signer *signer.LocalSigner
}

// Options tweak the node.
type Options struct {
	KeyType signer.KeyType
	Now     func() time.Time
}

// Start launches a node for the duration of t.
func Start(t testing.TB, opts Options) *Net {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s, err := signer.NewFromSeed(opts.KeyType, bytes.Repeat([]byte{0x5e}, signer.SeedSize))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	chain, err := devchain.New(devchain.Config{SystemKey: s.PublicKey(), Now: opts.Now})
	if err != nil {
		t.Fatalf("devchain: %v", err)
	}
	srv := httptest.NewServer(devchain.NewRouter(&devchain.Handler{Chain: chain}))
	t.Cleanup(srv.Close)

	client := ledger.NewClient(ledger.ClientConfig{Endpoint: srv.URL, HTTPClient: srv.Client()})
	resolver := ledger.NewResolver(client)
	persona.RegisterABIs(resolver, chain.Registry())
	builder := ledger.NewBuilder(ledger.BuilderConfig{
		Node:     client,
		Resolver: resolver,
		Signers:  []signer.Signer{s},
	})
	return &Net{Chain: chain, URL: srv.URL, Client: client, Resolver: resolver, Builder: builder, Signer: s}
}

// BuilderFor returns a builder on the same node and resolver that signs with
// signers instead of the system key.
func (n *Net) BuilderFor(signers ...signer.Signer) *ledger.Builder {
	return n.Builder.WithSigners(signers...)
}
