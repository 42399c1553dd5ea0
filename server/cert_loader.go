package server

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const defaultCertCheckInterval = time.Minute

// CertLoader serves a TLS certificate from disk and reloads it when the cert
// or key file changes, so renewed certificates are used without a restart.
// Files are checked at most once per check interval.
type CertLoader struct {
	certFile      string
	keyFile       string
	checkInterval time.Duration
	logger        *slog.Logger

	mu        sync.RWMutex
	cert      *tls.Certificate
	loadedAt  time.Time
	lastCheck time.Time
}

// NewCertLoader loads the key pair and returns a CertLoader for it.
func NewCertLoader(certFile, keyFile string, logger *slog.Logger) (*CertLoader, error) {
	l := &CertLoader{
		certFile:      certFile,
		keyFile:       keyFile,
		checkInterval: defaultCertCheckInterval,
		logger:        logger,
	}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// GetCertificate is a callback for tls.Config.GetCertificate. The current
// certificate is kept when a reload fails.
func (l *CertLoader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	l.mu.RLock()
	if time.Since(l.lastCheck) < l.checkInterval {
		defer l.mu.RUnlock()
		return l.cert, nil
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if time.Since(l.lastCheck) < l.checkInterval {
		return l.cert, nil
	}
	l.lastCheck = time.Now()

	changed, err := l.changedLocked()
	if err != nil {
		l.logger.Error("failed to check tls certificate", "error", err)
		return l.cert, nil
	}
	if changed {
		if err := l.reload(); err != nil {
			l.logger.Error("failed to reload tls certificate", "error", err)
		}
	}
	return l.cert, nil
}

func (l *CertLoader) changedLocked() (bool, error) {
	for _, f := range []string{l.certFile, l.keyFile} {
		st, err := os.Stat(f)
		if err != nil {
			return false, err
		}
		if st.ModTime().After(l.loadedAt) {
			return true, nil
		}
	}
	return false, nil
}

func (l *CertLoader) reload() error {
	cert, err := tls.LoadX509KeyPair(l.certFile, l.keyFile)
	if err != nil {
		return fmt.Errorf("failed to load key pair: %w", err)
	}
	l.cert = &cert
	l.loadedAt = time.Now()
	l.logger.Info("loaded tls certificate", "cert", l.certFile, "key", l.keyFile)
	return nil
}
