package certs

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/acme"
)

const issueTimeout = 5 * time.Minute

// TXTProvider publishes DNS TXT records for ACME DNS-01 validation.
type TXTProvider interface {
	UpsertTXT(ctx context.Context, name, value string) error
	DeleteTXT(ctx context.Context, name string) error
}

// ACMEIssuer obtains certificates from an ACME CA using the DNS-01
// challenge. DNS-01 needs no inbound traffic, so issuance works before any
// route is publicly reachable.
type ACMEIssuer struct {
	directoryURL   string
	email          string
	accountKeyPath string
	dns            TXTProvider

	mu     sync.Mutex
	client *acme.Client
}

// NewACMEIssuer creates an issuer against the given ACME directory. The
// account key is kept at accountKeyPath and created on first use.
func NewACMEIssuer(directoryURL, email, accountKeyPath string, dns TXTProvider) *ACMEIssuer {
	return &ACMEIssuer{
		directoryURL:   directoryURL,
		email:          email,
		accountKeyPath: accountKeyPath,
		dns:            dns,
	}
}

// Issue requests a certificate for one domain.
func (i *ACMEIssuer) Issue(ctx context.Context, domain string) (IssuedCert, error) {
	ctx, cancel := context.WithTimeout(ctx, issueTimeout)
	defer cancel()

	client, err := i.ensureClient(ctx)
	if err != nil {
		return IssuedCert{}, err
	}

	order, err := client.AuthorizeOrder(ctx, acme.DomainIDs(domain))
	if err != nil {
		return IssuedCert{}, fmt.Errorf("failed to create order: %w", err)
	}

	for _, authzURL := range order.AuthzURLs {
		authz, err := client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return IssuedCert{}, fmt.Errorf("failed to get authorization: %w", err)
		}
		if authz.Status == acme.StatusValid {
			continue
		}

		var challenge *acme.Challenge
		for _, c := range authz.Challenges {
			if c.Type == "dns-01" {
				challenge = c
				break
			}
		}
		if challenge == nil {
			return IssuedCert{}, fmt.Errorf("no DNS-01 challenge offered for %s", domain)
		}

		value, err := client.DNS01ChallengeRecord(challenge.Token)
		if err != nil {
			return IssuedCert{}, fmt.Errorf("failed to compute challenge record: %w", err)
		}

		name := "_acme-challenge." + domain
		if err := i.dns.UpsertTXT(ctx, name, value); err != nil {
			return IssuedCert{}, fmt.Errorf("failed to publish challenge record: %w", err)
		}
		defer func() {
			cleanup, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := i.dns.DeleteTXT(cleanup, name); err != nil {
				log.Printf("[CERT] [%s] Challenge record not cleaned up: %v", domain, err)
			}
		}()

		log.Printf("[CERT] [%s] ACME challenge published: dns-01", domain)

		if _, err := client.Accept(ctx, challenge); err != nil {
			return IssuedCert{}, fmt.Errorf("failed to accept challenge: %w", err)
		}
		if _, err := client.WaitAuthorization(ctx, authz.URI); err != nil {
			return IssuedCert{}, fmt.Errorf("challenge validation failed: %w", err)
		}
		log.Printf("[CERT] [%s] ACME challenge validated", domain)
	}

	order, err = client.WaitOrder(ctx, order.URI)
	if err != nil {
		return IssuedCert{}, fmt.Errorf("failed to wait for order: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return IssuedCert{}, fmt.Errorf("failed to generate certificate key: %w", err)
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domain},
		DNSNames: []string{domain},
	}, key)
	if err != nil {
		return IssuedCert{}, fmt.Errorf("failed to create CSR: %w", err)
	}

	derCerts, _, err := client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return IssuedCert{}, fmt.Errorf("failed to finalize order: %w", err)
	}

	leaf, err := x509.ParseCertificate(derCerts[0])
	if err != nil {
		return IssuedCert{}, fmt.Errorf("failed to parse issued certificate: %w", err)
	}

	var certPEM []byte
	for _, der := range derCerts {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return IssuedCert{}, fmt.Errorf("failed to marshal certificate key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	return IssuedCert{CertPEM: certPEM, KeyPEM: keyPEM, ExpiresAt: leaf.NotAfter}, nil
}

// ensureClient lazily builds the ACME client and registers the account.
func (i *ACMEIssuer) ensureClient(ctx context.Context) (*acme.Client, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.client != nil {
		return i.client, nil
	}

	accountKey, err := i.loadOrCreateAccountKey()
	if err != nil {
		return nil, fmt.Errorf("failed to load account key: %w", err)
	}

	client := &acme.Client{Key: accountKey, DirectoryURL: i.directoryURL}

	acct := &acme.Account{}
	if i.email != "" {
		acct.Contact = []string{"mailto:" + i.email}
	}
	if _, err := client.Register(ctx, acct, acme.AcceptTOS); err != nil && err != acme.ErrAccountAlreadyExists {
		return nil, fmt.Errorf("failed to register account: %w", err)
	}
	log.Printf("[CERT] ACME account ready (%s)", i.directoryURL)

	i.client = client
	return client, nil
}

// loadOrCreateAccountKey loads the ACME account key, generating and saving
// one on first use.
func (i *ACMEIssuer) loadOrCreateAccountKey() (crypto.Signer, error) {
	if data, err := os.ReadFile(i.accountKeyPath); err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("failed to decode PEM block in %s", i.accountKeyPath)
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse account key: %w", err)
		}
		return key, nil
	}

	if err := os.MkdirAll(filepath.Dir(i.accountKeyPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate account key: %w", err)
	}
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal account key: %w", err)
	}
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}
	if err := os.WriteFile(i.accountKeyPath, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("failed to save account key: %w", err)
	}
	return key, nil
}
