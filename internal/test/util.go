package test

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/calcgrid/go-libviewcache/identifier"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/test"
	"github.com/stretchr/testify/require"
)

var globalSeed atomic.Int64

// RandomSpecifications returns n distinct valid specifications.
func RandomSpecifications(n int) []identifier.Specification {
	rng := rand.New(rand.NewSource(globalSeed.Add(1)))

	specs := make([]identifier.Specification, n)
	for i := 0; i < n; i++ {
		target := identifier.Target{
			Type: "SECURITY",
			ID:   fmt.Sprintf("SEC%d-%d", i, rng.Int63()),
		}
		var props map[string][]string
		if rng.Intn(2) == 0 {
			props = map[string][]string{
				"Currency": {[]string{"USD", "EUR", "GBP"}[rng.Intn(3)]},
			}
		}
		specs[i] = identifier.NewSpecification("Present Value", target, props)
	}
	return specs
}

// RandomValues returns a value for each identifier, sized between 1 and max
// bytes.
func RandomValues(ids []identifier.Identifier, max int) map[identifier.Identifier][]byte {
	rng := rand.New(rand.NewSource(globalSeed.Add(1)))

	values := make(map[identifier.Identifier][]byte, len(ids))
	for _, id := range ids {
		b := make([]byte, rng.Intn(max)+1)
		rng.Read(b)
		values[id] = b
	}
	return values
}

// RandomIdentity returns a new Ed25519 libp2p identity.
func RandomIdentity(t testing.TB) (peer.ID, crypto.PrivKey, crypto.PubKey) {
	privKey, pubKey, err := test.RandTestKeyPair(crypto.Ed25519, 256)
	require.NoError(t, err)

	peerID, err := peer.IDFromPublicKey(pubKey)
	require.NoError(t, err)
	return peerID, privKey, pubKey
}

// NewHost returns a libp2p host listening on a loopback TCP address with a
// random identity. The host is closed when the test ends.
func NewHost(t testing.TB) host.Host {
	_, privKey, _ := RandomIdentity(t)
	h, err := libp2p.New(libp2p.Identity(privKey), libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}
