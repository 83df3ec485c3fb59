package server

import (
	"crypto/rand"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/quic-go/quic-go"
	eTLS "gitlab.com/go-extension/tls"
	"go.uber.org/zap"

	"github.com/pmkol/swproxy/pkg/pool"
)

const certReloadDelay = 2 * time.Second

var (
	keysOnce            sync.Once
	statelessResetKey   *quic.StatelessResetKey
	tlsSessionTicketKey [32]byte
)

// loadKeys loads the persistent QUIC stateless reset key and TLS session
// ticket key. Ephemeral keys are used if they cannot be persisted.
func loadKeys(logger *zap.Logger) {
	keysOnce.Do(func() {
		resetKey, sessionKey, err := loadOrCreateKeys(logger)
		if err == nil {
			statelessResetKey = resetKey
			copy(tlsSessionTicketKey[:], sessionKey)
			return
		}
		logger.Warn("failed to load persistent keys, using ephemeral keys", zap.Error(err))

		var tmpResetKey quic.StatelessResetKey
		if _, err := rand.Read(tmpResetKey[:]); err != nil {
			logger.Fatal("failed to generate ephemeral reset key", zap.Error(err))
		}
		statelessResetKey = &tmpResetKey
		if _, err := rand.Read(tlsSessionTicketKey[:]); err != nil {
			logger.Fatal("failed to generate ephemeral session ticket key", zap.Error(err))
		}
	})
}

func loadOrCreateKeys(logger *zap.Logger) (*quic.StatelessResetKey, []byte, error) {
	execPath, err := os.Executable()
	if err != nil {
		return nil, nil, err
	}

	execDir := filepath.Dir(execPath)
	keyDir := filepath.Join(execDir, "key")
	resetKeyFile := filepath.Join(keyDir, ".swproxy_stateless_reset.key")
	sessionKeyFile := filepath.Join(keyDir, ".swproxy_session_ticket.key")

	resetKey, err := loadOrCreateSingleKey(resetKeyFile, keyDir, "stateless reset", logger)
	if err != nil {
		return nil, nil, err
	}

	sessionKey, err := loadOrCreateSingleKey(sessionKeyFile, keyDir, "session ticket", logger)
	if err != nil {
		return nil, nil, err
	}

	var quicResetKey quic.StatelessResetKey
	copy(quicResetKey[:], resetKey)

	return &quicResetKey, sessionKey, nil
}

func loadOrCreateSingleKey(keyFile string, keyDir string, keyType string, logger *zap.Logger) ([]byte, error) {
	if data, err := os.ReadFile(keyFile); err == nil && len(data) == 32 {
		logger.Info("key loaded", zap.String("type", keyType), zap.String("file", keyFile))
		return data, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, err
	}

	if err := os.WriteFile(keyFile, key, 0600); err != nil {
		return nil, err
	}

	logger.Info("new key created", zap.String("type", keyType), zap.String("file", keyFile))
	return key, nil
}

type cert[T tls.Certificate | eTLS.Certificate] struct {
	ptr atomic.Pointer[T]
}

func (c *cert[T]) get() *T {
	return c.ptr.Load()
}

func (c *cert[T]) set(newCert *T) {
	c.ptr.Store(newCert)
}

func tryCreateWatchCert[T tls.Certificate | eTLS.Certificate](certFile string, keyFile string, createFunc func(string, string) (T, error), logger *zap.Logger) (*cert[T], error) {
	c, err := createFunc(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	cc := &cert[T]{}
	cc.set(&c)

	go func() {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			logger.Error("failed to create certificate watcher", zap.Error(err))
			return
		}
		defer watcher.Close()

		watch := func() {
			if err := watcher.Add(certFile); err != nil {
				logger.Warn("failed to watch certificate file", zap.String("file", certFile), zap.Error(err))
			}
			if err := watcher.Add(keyFile); err != nil {
				logger.Warn("failed to watch key file", zap.String("file", keyFile), zap.Error(err))
			}
		}
		watch()

		timer := pool.NewStoppedTimer()
		defer timer.Stop()

		reloadCert := func() {
			newCert, err := createFunc(certFile, keyFile)
			if err != nil {
				logger.Error("failed to reload certificate", zap.String("file", certFile), zap.Error(err))
				return
			}
			cc.set(&newCert)
			logger.Info("certificate reloaded successfully", zap.String("file", certFile))
		}

		needReWatch := false

		for {
			select {
			case e, ok := <-watcher.Events:
				if !ok {
					return
				}

				logger.Debug("certificate event", zap.String("file", e.Name), zap.Stringer("op", e.Op))

				if e.Has(fsnotify.Chmod) {
					continue
				}
				// Editors and certbot replace the file, the watch is lost.
				if e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename) {
					needReWatch = true
				}
				pool.ResetAndDrainTimer(timer, certReloadDelay)

			case <-timer.C:
				if needReWatch {
					needReWatch = false
					_ = watcher.Remove(certFile)
					_ = watcher.Remove(keyFile)
					watch()
				}
				reloadCert()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("certificate watcher error", zap.Error(err))
			}
		}
	}()

	return cc, nil
}

func (s *Server) CreateQUICListener(conn net.PacketConn, nextProtos []string, allowedSNI string) (*quic.EarlyListener, error) {
	if s.opts.Cert == "" || s.opts.Key == "" {
		return nil, errors.New("missing certificate for tls listener")
	}

	loadKeys(s.opts.Logger)
	c, err := tryCreateWatchCert(s.opts.Cert, s.opts.Key, tls.LoadX509KeyPair, s.opts.Logger)
	if err != nil {
		return nil, err
	}

	tr := &quic.Transport{
		Conn:              conn,
		StatelessResetKey: statelessResetKey,
	}

	return tr.ListenEarly(&tls.Config{
		NextProtos:       nextProtos,
		SessionTicketKey: tlsSessionTicketKey,

		// Restrict curves to disable heavy Post-Quantum algorithms (ML-KEM) and reduce CPU usage
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},

		GetCertificate: func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert := c.get()
			if cert == nil {
				return nil, errors.New("certificate not available")
			}

			// SNI filtering with silent fallback
			if allowedSNI != "" && chi.ServerName != "" && chi.ServerName != allowedSNI {
				return nil, errors.New("invalid sni")
			}

			return cert, nil
		},
	}, &quic.Config{
		Allow0RTT:                      true,
		MaxIncomingStreams:             1000,
	})
}

func (s *Server) CreateETLSListener(l net.Listener, nextProtos []string, allowedSNI string) (net.Listener, error) {
	if s.opts.Cert == "" || s.opts.Key == "" {
		return nil, errors.New("missing certificate for tls listener")
	}

	loadKeys(s.opts.Logger)
	c, err := tryCreateWatchCert(s.opts.Cert, s.opts.Key, eTLS.LoadX509KeyPair, s.opts.Logger)
	if err != nil {
		return nil, err
	}

	return eTLS.NewListener(l, &eTLS.Config{
		SessionTicketKey: tlsSessionTicketKey,
		KernelTX:         s.opts.KernelTX,
		KernelRX:         s.opts.KernelRX,
		AllowEarlyData:   true,
		MaxEarlyData:     16384,
		NextProtos:       nextProtos,

		CertificateCompressionPreferences: []eTLS.CertificateCompressionAlgorithm{
			eTLS.Brotli,
			eTLS.Zlib,
		},

		PreferCipherSuites: true,
		CipherSuites: []uint16{
			eTLS.TLS_AES_128_GCM_SHA256,
			eTLS.TLS_CHACHA20_POLY1305_SHA256,
			eTLS.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			eTLS.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		},

		CurvePreferences: []eTLS.CurveID{
			eTLS.X25519,
			eTLS.CurveP256,
		},

		Defaults: eTLS.Defaults{
			AllSecureCipherSuites: false,
			AllSecureCurves:       false,
		},

		GetCertificate: func(chi *eTLS.ClientHelloInfo) (*eTLS.Certificate, error) {
			cert := c.get()
			if cert == nil {
				return nil, errors.New("certificate not available")
			}

			if allowedSNI != "" && chi.ServerName != "" && chi.ServerName != allowedSNI {
				return nil, errors.New("invalid sni")
			}

			return cert, nil
		},
	}), nil
}
