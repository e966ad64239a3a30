// Package acme obtains certificates from an ACME certificate authority
// using the HTTP-01 challenge. Challenge tokens are written to the
// webroot directory the reverse proxy already serves, so the proxy must
// keep /.well-known/acme-challenge/ reachable in every configuration
// state. The package performs no retries itself: retry policy belongs to
// the lifecycle orchestrator for first issuance and to the renewal
// scheduler afterwards.
package acme

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/providers/http/webroot"
	"github.com/go-acme/lego/v4/registration"

	"github.com/torrust/tracker-certs/pkg/certstore"
)

// DefaultTimeout bounds one issuance end to end, including the CA's own
// challenge polling.
const DefaultTimeout = 4 * time.Minute

// Config configures an Issuer for one CA endpoint.
type Config struct {
	// Contact is the email registered with the CA account.
	Contact string

	// Mode selects the CA endpoint and trust profile.
	Mode certstore.IssuerMode

	// DirectoryURL overrides the ACME directory URL. Required for
	// local-test mode; defaults to the Let's Encrypt endpoints otherwise.
	DirectoryURL string

	// WebrootPath is the directory the proxy serves challenge files from.
	WebrootPath string

	// KeyType is the certificate key type. Defaults to RSA 2048.
	KeyType certcrypto.KeyType

	// Timeout is the hard ceiling for one issuance. Defaults to
	// DefaultTimeout.
	Timeout time.Duration
}

// Issuer obtains and renews certificate bundles against one CA endpoint
// and persists them through the certificate store.
type Issuer struct {
	cfg   Config
	store *certstore.Store

	// Seams for tests.
	clientFactory   func(*lego.Config) (acmeClient, error)
	accountKeyMaker func() (crypto.PrivateKey, error)
	now             func() time.Time
}

// acmeClient is the slice of the lego client this package uses.
type acmeClient interface {
	Register(options registration.RegisterOptions) (*registration.Resource, error)
	SetHTTP01Provider(provider challenge.Provider) error
	Obtain(request certificate.ObtainRequest) (*certificate.Resource, error)
}

// NewIssuer creates an issuer for the given CA endpoint.
func NewIssuer(cfg Config, store *certstore.Store) (*Issuer, error) {
	if cfg.Contact == "" {
		return nil, fmt.Errorf("contact email is required for CA registration")
	}
	if cfg.WebrootPath == "" {
		return nil, fmt.Errorf("webroot path is required for HTTP-01 challenges")
	}
	if cfg.Mode == certstore.ModeLocalTest && cfg.DirectoryURL == "" {
		return nil, fmt.Errorf("directory URL is required for the local test CA")
	}
	if store == nil {
		return nil, fmt.Errorf("certificate store is required")
	}
	if cfg.KeyType == "" {
		cfg.KeyType = certcrypto.RSA2048
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Issuer{
		cfg:           cfg,
		store:         store,
		clientFactory: defaultClientFactory,
		accountKeyMaker: func() (crypto.PrivateKey, error) {
			return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		},
		now: time.Now,
	}, nil
}

// Mode returns the issuer mode this issuer is bound to.
func (i *Issuer) Mode() certstore.IssuerMode {
	return i.cfg.Mode
}

// Issue obtains one certificate bundle covering the whole hostname set.
// The order is all-hostnames-or-nothing: if the CA fails validation for
// any hostname the batch fails and no bundle is written. The resulting
// bundle replaces any previous bundle for the same primary hostname.
func (i *Issuer) Issue(ctx context.Context, hostnames []string) (*certstore.Bundle, error) {
	hostnames = certstore.NormalizeHostnames(hostnames)
	if len(hostnames) == 0 {
		return nil, fmt.Errorf("no hostnames to issue for")
	}

	res, err := i.obtain(ctx, hostnames)
	if err != nil {
		return nil, classify(err, hostnames)
	}

	notBefore, notAfter, err := certValidity(res.Certificate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse issued certificate: %w", err)
	}

	bundle := &certstore.Bundle{
		Hostnames: hostnames,
		Mode:      i.cfg.Mode,
		NotBefore: notBefore,
		NotAfter:  notAfter,
		IssuedAt:  i.now().UTC(),
	}
	if err := i.store.Save(bundle, res.Certificate, res.PrivateKey, res.IssuerCertificate); err != nil {
		return nil, fmt.Errorf("failed to persist bundle: %w", err)
	}
	return bundle, nil
}

// Renew obtains a replacement for an existing bundle. The old bundle's
// artifacts stay untouched until the replacement is fully written; a
// failed renewal leaves the previous bundle serving.
func (i *Issuer) Renew(ctx context.Context, bundle *certstore.Bundle) (*certstore.Bundle, error) {
	if bundle == nil {
		return nil, fmt.Errorf("no bundle to renew")
	}
	if bundle.Mode != i.cfg.Mode {
		return nil, fmt.Errorf("bundle for %s was issued in %s mode, issuer is bound to %s",
			bundle.Primary(), bundle.Mode, i.cfg.Mode)
	}
	return i.Issue(ctx, bundle.Hostnames)
}

func (i *Issuer) obtain(ctx context.Context, hostnames []string) (*certificate.Resource, error) {
	ctx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()

	accountKey, err := i.accountKeyMaker()
	if err != nil {
		return nil, fmt.Errorf("failed to generate account key: %w", err)
	}

	user := &account{email: i.cfg.Contact, key: accountKey}

	legoCfg := lego.NewConfig(user)
	legoCfg.CADirURL = i.directoryURL()
	legoCfg.Certificate.KeyType = i.cfg.KeyType

	client, err := i.clientFactory(legoCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create acme client: %w", err)
	}

	provider, err := webroot.NewHTTPProvider(i.cfg.WebrootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create webroot challenge provider: %w", err)
	}
	if err := client.SetHTTP01Provider(provider); err != nil {
		return nil, fmt.Errorf("failed to configure http-01 provider: %w", err)
	}

	reg, err := client.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, fmt.Errorf("failed to register account: %w", err)
	}
	user.registration = reg

	// lego's Obtain does not take a context; run it aside so operator
	// cancellation and the timeout ceiling still apply. An abandoned
	// order simply expires at the CA.
	type obtainResult struct {
		res *certificate.Resource
		err error
	}
	done := make(chan obtainResult, 1)
	go func() {
		res, err := client.Obtain(certificate.ObtainRequest{
			Domains: hostnames,
			Bundle:  true,
		})
		done <- obtainResult{res, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return r.res, nil
	}
}

func (i *Issuer) directoryURL() string {
	if i.cfg.DirectoryURL != "" {
		return i.cfg.DirectoryURL
	}
	if i.cfg.Mode == certstore.ModeStaging {
		return lego.LEDirectoryStaging
	}
	return lego.LEDirectoryProduction
}

// certValidity extracts the validity window from the leaf certificate of
// a PEM chain.
func certValidity(chainPEM []byte) (notBefore, notAfter time.Time, err error) {
	block, _ := pem.Decode(chainPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return time.Time{}, time.Time{}, fmt.Errorf("no certificate found in PEM chain")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return cert.NotBefore, cert.NotAfter, nil
}

func defaultClientFactory(cfg *lego.Config) (acmeClient, error) {
	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &legoAdapter{client: client}, nil
}

// legoAdapter narrows *lego.Client to the acmeClient interface.
type legoAdapter struct {
	client *lego.Client
}

func (l *legoAdapter) Register(options registration.RegisterOptions) (*registration.Resource, error) {
	return l.client.Registration.Register(options)
}

func (l *legoAdapter) SetHTTP01Provider(provider challenge.Provider) error {
	return l.client.Challenge.SetHTTP01Provider(provider)
}

func (l *legoAdapter) Obtain(request certificate.ObtainRequest) (*certificate.Resource, error) {
	return l.client.Certificate.Obtain(request)
}

// account satisfies lego's registration.User.
type account struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (a *account) GetEmail() string                        { return a.email }
func (a *account) GetRegistration() *registration.Resource { return a.registration }
func (a *account) GetPrivateKey() crypto.PrivateKey        { return a.key }
