package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLiteral(t *testing.T) {
	v, err := Resolve("plain-value")
	require.NoError(t, err)
	assert.Equal(t, "plain-value", v.Reveal())
}

func TestResolveEnv(t *testing.T) {
	t.Setenv("UFP_TEST_SECRET", "hunter2")

	v, err := Resolve("env:UFP_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v.Reveal())
}

func TestResolveEnvMissing(t *testing.T) {
	_, err := Resolve("env:UFP_TEST_DOES_NOT_EXIST")
	assert.Error(t, err)
}

func TestResolveFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("s3cret\n"), 0o600))

	v, err := Resolve("file:" + path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v.Reveal())
}

func TestValueNeverPrints(t *testing.T) {
	v := New("topsecret")
	assert.NotContains(t, fmt.Sprintf("%s %v %+v %#v", v, v, v, v), "topsecret")
}
