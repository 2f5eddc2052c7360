package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adaefler-art/codefactory-control/internal/canon"
	"github.com/adaefler-art/codefactory-control/pkg/types"
)

func TestDefaultSnapshotIsValid(t *testing.T) {
	loaded, err := Default()
	require.NoError(t, err)

	s := loaded.Snapshot
	assert.Equal(t, "factory-default", s.ID)
	assert.Equal(t, canon.DigestBytes(defaultPolicy), s.Hash)
	assert.Equal(t, types.ProposeHumanReq, s.Actions[FallbackErrorClass])
	assert.Equal(t, NormalizeRoundHalfUp, s.Normalization.Method)

	_, err = Compile(s)
	require.NoError(t, err)
}

func TestLoadSnapshotHashesRawBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	data := []byte(`id: p1
version: "3"
rules:
  - id: r1
    error_class: X
    patterns: ["boom"]
    confidence: 0.9
actions:
  X: OPEN_ISSUE
  UNKNOWN: HUMAN_REQUIRED
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	loaded, err := LoadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, canon.DigestBytes(data), loaded.Snapshot.Hash)
	assert.Equal(t, data, loaded.Bytes)
	assert.Len(t, loaded.Snapshot.Rules, 1)
}

func TestLoadSnapshotErrors(t *testing.T) {
	_, err := LoadSnapshot(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = ParseSnapshot([]byte("id: [unclosed"))
	assert.Error(t, err)

	_, err = ParseSnapshot([]byte("id: p\nversion: \"1\"\nactions:\n  X: OPEN_ISSUE\n"))
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
}
