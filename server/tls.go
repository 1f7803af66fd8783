package server

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"

	"github.com/saiset-co/sai-directory/types"
)

const defaultCertCacheDir = "./certs"

var cipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// newTLSConfig builds the listener config. A static pair is loaded and
// checked once; autocert obtains and renews certificates on demand.
func newTLSConfig(cfg *types.TLSConfig, logger types.Logger) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: cipherSuites,
	}

	if cfg.AutoCert {
		if len(cfg.Domains) == 0 {
			return nil, types.Errorf(types.ErrInvalidParameter, "auto_cert needs at least one domain")
		}

		cacheDir := cfg.CacheDir
		if cacheDir == "" {
			cacheDir = defaultCertCacheDir
		}

		manager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Cache:      autocert.DirCache(cacheDir),
			HostPolicy: autocert.HostWhitelist(cfg.Domains...),
			Email:      cfg.Email,
		}
		if cfg.ACMEDirectory != "" {
			manager.Client = &acme.Client{DirectoryURL: cfg.ACMEDirectory}
		}

		tlsConfig.GetCertificate = manager.GetCertificate
		tlsConfig.NextProtos = []string{"http/1.1", acme.ALPNProto}

		logger.Info("TLS certificates are managed by ACME", zap.Strings("domains", cfg.Domains), zap.String("cache_dir", cacheDir))
		return tlsConfig, nil
	}

	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "tls needs cert_file and key_file")
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, types.WrapError(err, "failed to load certificate pair")
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, types.WrapError(err, "failed to parse certificate")
	}
	if time.Now().After(leaf.NotAfter) {
		return nil, types.Errorf(types.ErrInvalidParameter, "certificate expired at %s", leaf.NotAfter.Format(time.RFC3339))
	}
	if until := time.Until(leaf.NotAfter); until < 7*24*time.Hour {
		logger.Warn("TLS certificate expires soon", zap.Time("not_after", leaf.NotAfter))
	}

	tlsConfig.Certificates = []tls.Certificate{cert}
	return tlsConfig, nil
}

func listen(addr string, cfg *types.TLSConfig, logger types.Logger) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	if cfg == nil || !cfg.Enabled {
		return listener, nil
	}

	tlsConfig, err := newTLSConfig(cfg, logger)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	return tls.NewListener(listener, tlsConfig), nil
}
