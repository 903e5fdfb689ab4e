package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/aw-mesh/meshd/internal/identity"
)

// writeKeyFile persists a Keyring the way the teacher's UAPI config
// persists a private_key: plain hex lines, one key=value pair per line.
func writeKeyFile(path string, kr *identity.Keyring) error {
	id := kr.OwnID()
	body := fmt.Sprintf("peer_id=%s\nseed=%s\n", hex.EncodeToString(id[:]), hex.EncodeToString(kr.Seed()))
	return os.WriteFile(path, []byte(body), 0600)
}

func readKeyFile(path string) (*identity.Keyring, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	var idHex, seedHex string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "peer_id="):
			idHex = strings.TrimPrefix(line, "peer_id=")
		case strings.HasPrefix(line, "seed="):
			seedHex = strings.TrimPrefix(line, "seed=")
		}
	}
	if idHex == "" || seedHex == "" {
		return nil, fmt.Errorf("key file %s missing peer_id or seed", path)
	}

	idBytes, err := hex.DecodeString(idHex)
	if err != nil || len(idBytes) != identity.PeerIDSize {
		return nil, fmt.Errorf("key file %s has malformed peer_id", path)
	}
	var id identity.PeerID
	copy(id[:], idBytes)

	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("key file %s has malformed seed: %w", path, err)
	}

	return identity.FromSeed(id, seed)
}

func newKeyring() (*identity.Keyring, error) {
	return identity.NewKeyring(rand.Reader)
}
