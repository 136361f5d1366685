// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/absmach/jmscore/remoting"
)

// testPKI is a throwaway CA with one server and one client certificate.
type testPKI struct {
	pool   *x509.CertPool
	server tls.Certificate
	client tls.Certificate
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate CA key: %v", err)
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "jmscore test CA"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create CA certificate: %v", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("parse CA certificate: %v", err)
	}

	issue := func(serial int64, tmpl *x509.Certificate) tls.Certificate {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		tmpl.SerialNumber = big.NewInt(serial)
		tmpl.NotBefore = time.Now().Add(-time.Minute)
		tmpl.NotAfter = time.Now().Add(time.Hour)
		tmpl.KeyUsage = x509.KeyUsageDigitalSignature
		der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
		if err != nil {
			t.Fatalf("create certificate: %v", err)
		}
		return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	}

	pool := x509.NewCertPool()
	pool.AddCert(caCert)
	return &testPKI{
		pool: pool,
		server: issue(2, &x509.Certificate{
			Subject:     pkix.Name{CommonName: "localhost"},
			ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
			IPAddresses: []net.IP{net.ParseIP("127.0.0.1")},
		}),
		client: issue(3, &x509.Certificate{
			Subject:     pkix.Name{CommonName: "jms-client"},
			ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		}),
	}
}

func (p *testPKI) serverConfig(auth tls.ClientAuthType) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{p.server},
		ClientCAs:    p.pool,
		ClientAuth:   auth,
		MinVersion:   tls.VersionTLS12,
	}
}

func (p *testPKI) clientConfig(withCert bool) *tls.Config {
	cfg := &tls.Config{RootCAs: p.pool, MinVersion: tls.VersionTLS12}
	if withCert {
		cfg.Certificates = []tls.Certificate{p.client}
	}
	return cfg
}

// roundTrip sends one packet over conn and waits for the echo.
func roundTrip(conn net.Conn) error {
	tr := remoting.NewStreamTransport(conn, remoting.CodecOptions{}, time.Second)
	if err := tr.WritePacket(&remoting.Packet{Type: remoting.PacketPing, Body: []byte("tls")}); err != nil {
		return err
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := tr.ReadPacket()
	return err
}

func TestTLS_BasicConnection(t *testing.T) {
	pki := newTestPKI(t)
	server, cancel, errCh := startServer(t, Config{TLSConfig: pki.serverConfig(tls.NoClientCert)}, &echoHandler{})
	defer func() {
		cancel()
		<-errCh
	}()

	conn, err := tls.Dial("tcp", server.Addr().String(), pki.clientConfig(false))
	if err != nil {
		t.Fatalf("Failed to connect with TLS: %v", err)
	}
	defer conn.Close()

	if err := roundTrip(conn); err != nil {
		t.Fatalf("round trip over TLS failed: %v", err)
	}
}

func TestTLS_RequireClientCert(t *testing.T) {
	pki := newTestPKI(t)
	server, cancel, errCh := startServer(t, Config{TLSConfig: pki.serverConfig(tls.RequireAndVerifyClientCert)}, &echoHandler{})
	defer func() {
		cancel()
		<-errCh
	}()
	addr := server.Addr().String()

	t.Run("NoClientCert", func(t *testing.T) {
		conn, err := tls.Dial("tcp", addr, pki.clientConfig(false))
		if err != nil {
			return
		}
		defer conn.Close()

		// With TLS 1.3 the client learns about the rejection on first read.
		if err := roundTrip(conn); err == nil {
			t.Fatal("expected connection without client certificate to fail")
		}
	})

	t.Run("WithClientCert", func(t *testing.T) {
		conn, err := tls.Dial("tcp", addr, pki.clientConfig(true))
		if err != nil {
			t.Fatalf("Failed to connect with client cert: %v", err)
		}
		defer conn.Close()

		if err := roundTrip(conn); err != nil {
			t.Fatalf("round trip with client cert failed: %v", err)
		}
	})
}

func TestTLS_UntrustedServer(t *testing.T) {
	pki := newTestPKI(t)
	server, cancel, errCh := startServer(t, Config{TLSConfig: pki.serverConfig(tls.NoClientCert)}, &echoHandler{})
	defer func() {
		cancel()
		<-errCh
	}()

	conn, err := tls.Dial("tcp", server.Addr().String(), &tls.Config{MinVersion: tls.VersionTLS12})
	if err == nil {
		conn.Close()
		t.Fatal("Expected connection to fail with unverified certificate")
	}
}

func TestTLS_MinVersion(t *testing.T) {
	pki := newTestPKI(t)
	cfg := pki.serverConfig(tls.NoClientCert)
	cfg.MinVersion = tls.VersionTLS13
	server, cancel, errCh := startServer(t, Config{TLSConfig: cfg}, &echoHandler{})
	defer func() {
		cancel()
		<-errCh
	}()

	old := pki.clientConfig(false)
	old.MaxVersion = tls.VersionTLS12
	if conn, err := tls.Dial("tcp", server.Addr().String(), old); err == nil {
		conn.Close()
		t.Fatal("Expected TLS 1.2 client to be rejected")
	}

	conn, err := tls.Dial("tcp", server.Addr().String(), pki.clientConfig(false))
	if err != nil {
		t.Fatalf("TLS 1.3 client should connect: %v", err)
	}
	defer conn.Close()
	if conn.ConnectionState().Version != tls.VersionTLS13 {
		t.Fatal("expected TLS 1.3 to be negotiated")
	}
}
