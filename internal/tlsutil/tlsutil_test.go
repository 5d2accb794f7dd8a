package tlsutil

import (
	"crypto/x509"
	"path/filepath"
	"testing"
)

func TestEnsureCertificateGeneratesAndReloads(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ssl", "server.crt")
	keyPath := filepath.Join(dir, "ssl", "server.key")

	cert, err := EnsureCertificate(certPath, keyPath, []string{"print.local", "192.0.2.7"}, true)
	if err != nil {
		t.Fatalf("EnsureCertificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	if leaf.Subject.CommonName != "print.local" {
		t.Fatalf("CommonName = %q, want print.local", leaf.Subject.CommonName)
	}
	if err := leaf.VerifyHostname("print.local"); err != nil {
		t.Fatalf("VerifyHostname(print.local): %v", err)
	}
	if err := leaf.VerifyHostname("192.0.2.7"); err != nil {
		t.Fatalf("VerifyHostname(192.0.2.7): %v", err)
	}
	if err := leaf.VerifyHostname("localhost"); err != nil {
		t.Fatalf("VerifyHostname(localhost): %v", err)
	}

	// Second call must load the same keypair, not mint a new one.
	again, err := EnsureCertificate(certPath, keyPath, nil, false)
	if err != nil {
		t.Fatalf("EnsureCertificate reload: %v", err)
	}
	leaf2, err := x509.ParseCertificate(again.Certificate[0])
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	if leaf.SerialNumber.Cmp(leaf2.SerialNumber) != 0 {
		t.Fatal("expected reload to return the generated certificate")
	}
}

func TestEnsureCertificateMissingWithoutAutoGenerate(t *testing.T) {
	dir := t.TempDir()
	_, err := EnsureCertificate(filepath.Join(dir, "c.crt"), filepath.Join(dir, "c.key"), nil, false)
	if err == nil {
		t.Fatal("expected error when cert is missing and autogen is off")
	}
}
