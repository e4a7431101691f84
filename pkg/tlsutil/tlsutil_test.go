package tlsutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestCert writes a self-signed certificate for localhost and its key.
// The certificate doubles as its own CA.
func writeTestCert(t *testing.T, cn string) (certFile, keyFile string) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{Organization: []string{"Sensate IoT"}, CommonName: cn},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, cn+".pem")
	keyFile = filepath.Join(dir, cn+"-key.pem")
	require.NoError(t, os.WriteFile(certFile,
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0o644))
	require.NoError(t, os.WriteFile(keyFile,
		pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)}), 0o600))
	return certFile, keyFile
}

func TestLoadServerConfig(t *testing.T) {
	certFile, keyFile := writeTestCert(t, "router")
	badPEM := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(badPEM, []byte("not a certificate"), 0o644))

	tests := []struct {
		name    string
		cfg     ServerConfig
		wantNil bool
		wantErr bool
	}{
		{name: "disabled", cfg: ServerConfig{}, wantNil: true},
		{name: "valid", cfg: ServerConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, MinVersion: "1.3"}},
		{name: "missing cert", cfg: ServerConfig{Enabled: true, CertFile: "/nonexistent/cert.pem", KeyFile: keyFile},
			wantNil: true, wantErr: true},
		{name: "missing key", cfg: ServerConfig{Enabled: true, CertFile: certFile, KeyFile: "/nonexistent/key.pem"},
			wantNil: true, wantErr: true},
		{name: "invalid client CA", cfg: ServerConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile,
			ClientCAFiles: []string{badPEM}}, wantNil: true, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoadServerConfig(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			if tt.wantNil {
				assert.Nil(t, got)
			} else {
				require.NotNil(t, got)
				assert.Len(t, got.Certificates, 1)
				assert.Equal(t, uint16(tls.VersionTLS13), got.MinVersion)
			}
		})
	}
}

func TestLoadServerConfig_ClientCertificates(t *testing.T) {
	certFile, keyFile := writeTestCert(t, "router")
	caFile, _ := writeTestCert(t, "devices")

	optional, err := LoadServerConfig(ServerConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile,
		ClientCAFiles: []string{caFile}})
	require.NoError(t, err)
	assert.Equal(t, tls.VerifyClientCertIfGiven, optional.ClientAuth)
	assert.NotNil(t, optional.ClientCAs)

	required, err := LoadServerConfig(ServerConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile,
		ClientCAFiles: []string{caFile}, RequireClientCert: true})
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, required.ClientAuth)
}

func TestLoadClientConfig(t *testing.T) {
	caFile, _ := writeTestCert(t, "webhooks")

	cfg, err := LoadClientConfig(ClientConfig{CAFiles: []string{caFile}, MinVersion: "1.2"})
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Empty(t, cfg.Certificates)
	assert.False(t, cfg.InsecureSkipVerify)

	_, err = LoadClientConfig(ClientConfig{CAFiles: []string{"/nonexistent/ca.pem"}})
	assert.Error(t, err)

	_, err = LoadClientConfig(ClientConfig{CertFile: caFile})
	assert.Error(t, err, "a client certificate needs its key")
}

func TestParseTLSVersion(t *testing.T) {
	assert.Equal(t, uint16(tls.VersionTLS13), parseTLSVersion("1.3"))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion("1.2"))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion(""))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion("1.1"), "older versions are raised")
}

func TestHandshake_MutualTLS(t *testing.T) {
	serverCert, serverKey := writeTestCert(t, "router")
	clientCert, clientKey := writeTestCert(t, "gateway")

	serverCfg, err := LoadServerConfig(ServerConfig{Enabled: true, CertFile: serverCert, KeyFile: serverKey,
		ClientCAFiles: []string{clientCert}, RequireClientCert: true})
	require.NoError(t, err)

	listener, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("ok"))
	}()

	clientCfg, err := LoadClientConfig(ClientConfig{CAFiles: []string{serverCert},
		CertFile: clientCert, KeyFile: clientKey})
	require.NoError(t, err)

	conn, err := tls.Dial("tcp", listener.Addr().String(), clientCfg)
	require.NoError(t, err)
	defer conn.Close()

	buf, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf))
}
