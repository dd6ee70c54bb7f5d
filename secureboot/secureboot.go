package secureboot

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/z46-dev/go-logger"
)

var log *logger.Logger = logger.NewLogger().SetPrefix("[SIGN]", logger.BoldPurple)

// Key size and certificate subject are fixed policy, never derived from the
// image being signed.
const (
	KeyFileName  = "image-signing.key"
	CertFileName = "image-signing.crt"

	keyBits       = 4096
	validityYears = 10
)

var certSubject = pkix.Name{
	CommonName:   "isoforge image signing",
	Organization: []string{"isoforge"},
}

var (
	// ErrKeyGen wraps key or certificate generation failures.
	ErrKeyGen = errors.New("signing material generation failed")

	// ErrMaterialExists means signing material is already present and no
	// overwrite was requested. Generating twice into one directory is a
	// logic error; failing loudly beats corrupting the first key pair.
	ErrMaterialExists = errors.New("signing material already present")
)

// Generate creates an RSA key pair and a long-lived self-signed certificate
// in outDir and returns the two written paths. Existing material is never
// silently replaced: without overwrite the call fails and the old files are
// left byte-for-byte intact.
func Generate(outDir string, overwrite bool) (keyPath, certPath string, err error) {
	keyPath = filepath.Join(outDir, KeyFileName)
	certPath = filepath.Join(outDir, CertFileName)

	if !overwrite {
		for _, p := range []string{keyPath, certPath} {
			if _, e := os.Stat(p); e == nil {
				err = fmt.Errorf("%w: %s", ErrMaterialExists, p)
				return
			}
		}
	}

	var privateKey *rsa.PrivateKey
	if privateKey, err = rsa.GenerateKey(rand.Reader, keyBits); err != nil {
		err = fmt.Errorf("%w: generate key: %v", ErrKeyGen, err)
		return
	}

	var serial *big.Int
	if serial, err = rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128)); err != nil {
		err = fmt.Errorf("%w: serial: %v", ErrKeyGen, err)
		return
	}

	var now time.Time = time.Now()
	var template x509.Certificate = x509.Certificate{
		SerialNumber:          serial,
		Subject:               certSubject,
		NotBefore:             now,
		NotAfter:              now.AddDate(validityYears, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	var certDER []byte
	if certDER, err = x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey); err != nil {
		err = fmt.Errorf("%w: create certificate: %v", ErrKeyGen, err)
		return
	}

	if err = writePEM(keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(privateKey), 0o600); err != nil {
		err = fmt.Errorf("%w: %v", ErrKeyGen, err)
		return
	}

	if err = writePEM(certPath, "CERTIFICATE", certDER, 0o644); err != nil {
		_ = os.Remove(keyPath) // don't leave a key without its certificate
		err = fmt.Errorf("%w: %v", ErrKeyGen, err)
		return
	}

	log.Basicf("generated %d-bit signing key and certificate (valid %d years)\n", keyBits, validityYears)
	return
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) (err error) {
	var file *os.File
	if file, err = os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm); err != nil {
		return
	}

	defer file.Close()

	if err = pem.Encode(file, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		return
	}

	return file.Chmod(perm)
}
