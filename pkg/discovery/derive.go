package discovery

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// dhtSaltLabel versions the infohash derivation. Changing it moves every
// mesh to a fresh corner of the DHT keyspace.
const dhtSaltLabel = "atmosphere-dht-v1"

// DeriveDHTInfohash maps a mesh identity onto the 20-byte infohash its
// members announce under. Both the mesh ID and the master public key feed
// the derivation, so colliding on either alone does not land an outsider
// in the same swarm.
func DeriveDHTInfohash(meshID, meshPublicKey string) ([20]byte, error) {
	var out [20]byte
	if meshID == "" {
		return out, fmt.Errorf("discovery: mesh ID required")
	}
	secret := meshID + ":" + meshPublicKey
	r := hkdf.New(sha256.New, []byte(secret), []byte(dhtSaltLabel), nil)
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("derive infohash: %w", err)
	}
	return out, nil
}
