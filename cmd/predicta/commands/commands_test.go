package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predicta/internal/crypto"
)

const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestQuoteCommand(t *testing.T) {
	out, err := run(t, "quote", "--amount", "10", "--budget", "5")
	require.NoError(t, err)

	var got quoteOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, 0.5, got.Quote.YesPrice)
	assert.Equal(t, 0.5, got.Quote.NoPrice)
	assert.Equal(t, "yes", got.Side)
	require.NotNil(t, got.Cost)
	assert.InDelta(t, 5.125, *got.Cost, 1e-3)
	require.NotNil(t, got.Simulation)
	assert.Greater(t, got.Simulation.After.YesPrice, 0.5)
	assert.Nil(t, got.Market)
}

func TestQuoteCommandRejectsBadInput(t *testing.T) {
	_, err := run(t, "quote", "--side", "maybe")
	assert.ErrorContains(t, err, "--side must be yes or no")

	_, err = run(t, "quote", "--b", "0")
	assert.Error(t, err)

	_, err = run(t, "quote", "--market", "nope")
	assert.ErrorContains(t, err, "not a hex address")
}

func TestKeygenWritesDecryptableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.json")
	t.Setenv("PREDICTA_WALLET_PRIVATE_KEY", testKey)

	out, err := run(t, "keygen", "--import", "--out", path, "--password", "hunter2")
	require.NoError(t, err)

	want, err := crypto.NewSigner(testKey)
	require.NoError(t, err)
	assert.Contains(t, out, want.Address().Hex())

	signer, err := crypto.LoadSigner(crypto.KeyConfig{KeyFile: path, KeyPassword: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, want.Address(), signer.Address())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = run(t, "keygen", "--import", "--out", path, "--password", "hunter2")
	assert.Error(t, err, "existing files are kept without --force")
	_, err = run(t, "keygen", "--out", path, "--password", "hunter2", "--force")
	assert.NoError(t, err)
}

func TestKeygenNeedsPassword(t *testing.T) {
	t.Setenv("PREDICTA_WALLET_KEY_PASSWORD", "")
	_, err := run(t, "keygen", "--out", filepath.Join(t.TempDir(), "k.json"))
	assert.ErrorContains(t, err, "password is required")
}

func TestConfigCommandRedacts(t *testing.T) {
	t.Setenv("PREDICTA_WALLET_PRIVATE_KEY", testKey)
	t.Setenv("PREDICTA_SERVER_API_KEY", "topsecret")

	out, err := run(t, "config", "--validate")
	require.NoError(t, err)
	assert.NotContains(t, out, strings.TrimPrefix(testKey, "0x"))
	assert.NotContains(t, out, "topsecret")
	assert.Contains(t, out, `private_key = "***"`)
	assert.Contains(t, out, `response_timeout = "30s"`)
}

func TestConfigCommandValidate(t *testing.T) {
	t.Setenv("PREDICTA_WALLET_PRIVATE_KEY", "")
	t.Setenv("PREDICTA_MODE", "nonsense")
	_, err := run(t, "config", "--validate")
	assert.ErrorContains(t, err, "config validation failed")
}
