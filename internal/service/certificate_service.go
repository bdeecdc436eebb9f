package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"x-fleet/internal/model"

	"gorm.io/gorm"
)

const clientCertValidity = 100 * 365 * 24 * time.Hour

// CertificateService owns the client certificate the master presents to
// nodes. It is generated on first use, stored and memoized.
type CertificateService struct {
	db *gorm.DB

	mu   sync.Mutex
	cert *tls.Certificate
}

func NewCertificateService(db *gorm.DB) *CertificateService {
	return &CertificateService{db: db}
}

// ClientCertificate returns the stored certificate, creating one if the
// table is empty.
func (s *CertificateService) ClientCertificate(ctx context.Context) (*tls.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cert != nil {
		return s.cert, nil
	}

	var row model.TLSCertificate
	err := s.db.WithContext(ctx).Order("id").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		certPEM, keyPEM, genErr := generateSelfSigned()
		if genErr != nil {
			return nil, genErr
		}
		row = model.TLSCertificate{Certificate: string(certPEM), Key: string(keyPEM)}
		err = s.db.WithContext(ctx).Create(&row).Error
	}
	if err != nil {
		return nil, err
	}

	cert, err := tls.X509KeyPair([]byte(row.Certificate), []byte(row.Key))
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	s.cert = &cert
	return s.cert, nil
}

// CertificatePEM returns the PEM of the client certificate, for installing on nodes.
func (s *CertificateService) CertificatePEM(ctx context.Context) ([]byte, error) {
	cert, err := s.ClientCertificate(ctx)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]}), nil
}

func (s *CertificateService) LoadCertificateFromFile(certFile, keyFile string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	return &cert, nil
}

func (s *CertificateService) ParseCertificate(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to parse certificate PEM")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return cert, nil
}

func generateSelfSigned() (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "x-fleet master"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(clientCertValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}
