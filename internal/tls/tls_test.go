package tls

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/pavr/internal/config"
)

func TestSetup_Disabled(t *testing.T) {
	c, err := Setup(config.TLSConfig{})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSetup_AutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	c, err := Setup(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, uint16(0x0304), c.MinVersion)

	cert, err := c.GetCertificate(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)

	st, err := os.Stat(filepath.Join(dir, KeyName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	// A second setup reuses the generated pair.
	before, err := os.ReadFile(filepath.Join(dir, CertName))
	require.NoError(t, err)
	_, err = Setup(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.2"})
	require.NoError(t, err)
	after, err := os.ReadFile(filepath.Join(dir, CertName))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSetup_ExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	cc := CertConfig{
		CommonName:  "localhost",
		DNSNames:    []string{"localhost"},
		IPAddresses: []string{"127.0.0.1"},
		NotAfter:    time.Now().Add(time.Hour),
		CertPath:    filepath.Join(dir, "a.crt"),
		KeyPath:     filepath.Join(dir, "a.key"),
	}
	require.NoError(t, GenerateSelfSignedCert(cc))
	c, err := Setup(config.TLSConfig{Enabled: true, CertFile: cc.CertPath, KeyFile: cc.KeyPath, MinVersion: "tls1.2"})
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0303), c.MinVersion)
}

func TestSetup_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := Setup(config.TLSConfig{Enabled: true})
	assert.Error(t, err)

	_, err = Setup(config.TLSConfig{Enabled: true, Dir: dir})
	assert.Error(t, err, "missing pair without auto_generate")

	_, err = Setup(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.0"})
	assert.Error(t, err)
}
