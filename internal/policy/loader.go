package policy

import (
	_ "embed"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/adaefler-art/codefactory-control/internal/canon"
)

//go:embed default_policy.yaml
var defaultPolicy []byte

type LoadedSnapshot struct {
	Snapshot Snapshot
	Bytes    []byte
}

// LoadSnapshot loads a YAML snapshot and computes its hash from raw bytes.
func LoadSnapshot(path string) (LoadedSnapshot, error) {
	// #nosec G304 -- path comes from operator-configured policy path.
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadedSnapshot{}, err
	}
	return ParseSnapshot(data)
}

func ParseSnapshot(data []byte) (LoadedSnapshot, error) {
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return LoadedSnapshot{}, err
	}
	s.Hash = canon.DigestBytes(data)
	if err := s.Validate(); err != nil {
		return LoadedSnapshot{}, err
	}
	return LoadedSnapshot{Snapshot: s, Bytes: data}, nil
}

// Default returns the embedded reference snapshot.
func Default() (LoadedSnapshot, error) {
	return ParseSnapshot(defaultPolicy)
}
