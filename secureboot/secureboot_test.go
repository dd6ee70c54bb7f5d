package secureboot

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"testing"
)

func TestGenerateProducesUsableMaterial(t *testing.T) {
	var outDir string = t.TempDir()

	keyPath, certPath, err := Generate(outDir, false)
	if err != nil {
		t.Fatalf("Expected no error from Generate, got: %v", err)
	}

	t.Run("Key Parses", func(t *testing.T) {
		data, rErr := os.ReadFile(keyPath)
		if rErr != nil {
			t.Fatalf("Expected no error reading the key, got: %v", rErr)
		}

		block, _ := pem.Decode(data)
		if block == nil || block.Type != "RSA PRIVATE KEY" {
			t.Fatalf("Expected an RSA PRIVATE KEY block, got: %v", block)
		}

		key, pErr := x509.ParsePKCS1PrivateKey(block.Bytes)
		if pErr != nil {
			t.Fatalf("Expected a parseable key, got: %v", pErr)
		}

		if key.N.BitLen() != keyBits {
			t.Fatalf("Expected a %d-bit key, got: %d", keyBits, key.N.BitLen())
		}
	})

	t.Run("Certificate Parses And Self-Verifies", func(t *testing.T) {
		data, rErr := os.ReadFile(certPath)
		if rErr != nil {
			t.Fatalf("Expected no error reading the certificate, got: %v", rErr)
		}

		block, _ := pem.Decode(data)
		if block == nil || block.Type != "CERTIFICATE" {
			t.Fatalf("Expected a CERTIFICATE block, got: %v", block)
		}

		cert, pErr := x509.ParseCertificate(block.Bytes)
		if pErr != nil {
			t.Fatalf("Expected a parseable certificate, got: %v", pErr)
		}

		if !cert.IsCA {
			t.Fatal("Expected a self-signed CA certificate")
		}

		if vErr := cert.CheckSignatureFrom(cert); vErr != nil {
			t.Fatalf("Expected the certificate to verify against itself, got: %v", vErr)
		}
	})

	t.Run("Key Permissions", func(t *testing.T) {
		info, sErr := os.Stat(keyPath)
		if sErr != nil {
			t.Fatalf("Expected no error, got: %v", sErr)
		}

		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Fatalf("Expected key mode 0600, got: %o", perm)
		}
	})
}

func TestGenerateRefusesToOverwrite(t *testing.T) {
	var outDir string = t.TempDir()

	keyPath, certPath, err := Generate(outDir, false)
	if err != nil {
		t.Fatalf("Expected no error from the first Generate, got: %v", err)
	}

	originalKey, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	originalCert, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	_, _, err = Generate(outDir, false)
	if !errors.Is(err, ErrMaterialExists) {
		t.Fatalf("Expected ErrMaterialExists, got: %v", err)
	}

	afterKey, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	afterCert, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if string(originalKey) != string(afterKey) || string(originalCert) != string(afterCert) {
		t.Fatal("Expected the original material untouched after a refused Generate")
	}
}

func TestGenerateOverwriteReplacesMaterial(t *testing.T) {
	var outDir string = t.TempDir()

	keyPath, _, err := Generate(outDir, false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	original, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if _, _, err = Generate(outDir, true); err != nil {
		t.Fatalf("Expected no error with overwrite, got: %v", err)
	}

	replaced, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if string(original) == string(replaced) {
		t.Fatal("Expected new key material after an overwriting Generate")
	}
}
