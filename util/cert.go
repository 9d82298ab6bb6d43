package util

import (
	"crypto/elliptic"
	"os"
	"time"

	"github.com/decred/dcrd/certgen"
)

// GenCertPair generates a key/cert pair and writes them to the paths
// provided.
func GenCertPair(curve elliptic.Curve, org, certFile, keyFile string) error {
	validUntil := time.Now().Add(10 * 365 * 24 * time.Hour)
	cert, key, err := certgen.NewTLSCertPair(curve, org, validUntil, nil)
	if err != nil {
		return err
	}

	// Write cert and key files.
	if err = os.WriteFile(certFile, cert, 0644); err != nil {
		return err
	}
	if err = os.WriteFile(keyFile, key, 0600); err != nil {
		os.Remove(certFile)
		return err
	}

	return nil
}
