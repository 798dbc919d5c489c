package tls

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/caddyserver/certmagic"
)

// Options configures automatic certificates.
type Options struct {
	Domains    []string
	Email      string
	Production bool
}

// CertManager serves HTTPS for a fixed set of domains with certificates
// obtained and renewed by certmagic.
type CertManager struct {
	domains []string
	logger  *slog.Logger
	cfg     *certmagic.Config
}

// NewCertManager configures certmagic for opts. Non-production deployments use
// the Let's Encrypt staging CA.
func NewCertManager(opts Options, logger *slog.Logger) (*CertManager, error) {
	domains := normalizeDomains(opts.Domains)
	if len(domains) == 0 {
		return nil, errors.New("tls: no domains configured")
	}

	certmagic.DefaultACME.Email = opts.Email
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.CA = caFor(opts.Production)

	cm := &CertManager{domains: domains, logger: logger, cfg: certmagic.NewDefault()}
	return cm, nil
}

func caFor(production bool) string {
	if production {
		return certmagic.LetsEncryptProductionCA
	}
	return certmagic.LetsEncryptStagingCA
}

func normalizeDomains(in []string) []string {
	var out []string
	for _, d := range in {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" && !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	return out
}

// Domains returns the managed domain names.
func (cm *CertManager) Domains() []string { return slices.Clone(cm.domains) }

// Servers obtains certificates for the managed domains and returns an HTTPS
// server on :443 plus an HTTP server on :80 that answers ACME challenges and
// redirects everything else to HTTPS.
func (cm *CertManager) Servers(ctx context.Context, handler http.Handler) (*http.Server, *http.Server, error) {
	cm.logger.Info("managing TLS certificates", "domains", cm.domains)
	if err := cm.cfg.ManageSync(ctx, cm.domains); err != nil {
		return nil, nil, fmt.Errorf("manage domains: %w", err)
	}

	tlsCfg := cm.cfg.TLSConfig()
	tlsCfg.NextProtos = append([]string{"h2", "http/1.1"}, tlsCfg.NextProtos...)

	https := &http.Server{
		Addr:              fmt.Sprintf(":%d", certmagic.HTTPSPort),
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}

	redirect := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.Host)
		if err != nil {
			host = r.Host
		}
		http.Redirect(w, r, "https://"+host+r.URL.RequestURI(), http.StatusMovedPermanently)
	})
	var challenge http.Handler = redirect
	if issuer, ok := cm.acmeIssuer(); ok {
		challenge = issuer.HTTPChallengeHandler(redirect)
	}
	plain := &http.Server{
		Addr:              fmt.Sprintf(":%d", certmagic.HTTPPort),
		Handler:           challenge,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return https, plain, nil
}

// Listen opens the TLS listener for srv.
func Listen(srv *http.Server) (net.Listener, error) {
	ln, err := tls.Listen("tcp", srv.Addr, srv.TLSConfig)
	if err != nil {
		return nil, fmt.Errorf("tls listen: %w", err)
	}
	return ln, nil
}

func (cm *CertManager) acmeIssuer() (*certmagic.ACMEIssuer, bool) {
	for _, iss := range cm.cfg.Issuers {
		if acme, ok := iss.(*certmagic.ACMEIssuer); ok {
			return acme, true
		}
	}
	return nil, false
}
