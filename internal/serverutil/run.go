// Package serverutil runs an http.Server with optional TLS and a
// context-bounded graceful drain. Viewers are usually mid-download when a
// relay restarts; the drain window must outlast a full segment write or every
// deploy shows up as a playback reset.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// TLSConfig holds certificate and key paths for serving HTTPS.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Config controls how Run hosts the server.
type Config struct {
	Server *http.Server
	TLS    TLSConfig

	// DrainTimeout bounds the graceful shutdown once the context is
	// cancelled. Defaults to DefaultDrainTimeout.
	DrainTimeout time.Duration

	// Ready receives the bound listener address once the server is
	// accepting. Lets callers bind ":0" and learn the port.
	Ready chan<- net.Addr
}

// DefaultDrainTimeout leaves room for a viewer to finish downloading the
// segment currently being written (the server's 30s write timeout) plus
// margin for the response to flush.
const DefaultDrainTimeout = 45 * time.Second

// Run hosts cfg.Server until ctx is cancelled, then drains in-flight
// responses before returning. A serve error other than http.ErrServerClosed
// is returned as-is.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return fmt.Errorf("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return fmt.Errorf("both TLS cert file and key file must be provided")
	}

	ln, err := listen(cfg)
	if err != nil {
		return err
	}

	if cfg.Ready != nil {
		cfg.Ready <- ln.Addr()
		close(cfg.Ready)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	drain := cfg.DrainTimeout
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()

	shutdownErr := cfg.Server.Shutdown(drainCtx)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-drainCtx.Done():
		if shutdownErr != nil {
			return shutdownErr
		}
		return drainCtx.Err()
	}

	return shutdownErr
}

// listen binds the server's address, wrapping the listener for TLS when
// certificate material is configured.
func listen(cfg Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return nil, err
	}
	if cfg.TLS.CertFile == "" {
		return ln, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		ln.Close()
		return nil, err
	}
	tlsCfg := cfg.Server.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	cfg.Server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}
