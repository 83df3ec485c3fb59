package coremain

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"

	"github.com/pmkol/swproxy/pkg/server"
	"github.com/pmkol/swproxy/pkg/server/http_handler"
)

func (m *Swproxy) startServers(cfg *ServerConfig) error {
	if len(cfg.Listeners) == 0 {
		return errors.New("no server listener is configured")
	}

	for li, lc := range cfg.Listeners {
		if err := m.startServerListener(lc); err != nil {
			return fmt.Errorf("failed to start listener #%d, %w", li, err)
		}
	}
	return nil
}

func (m *Swproxy) startServerListener(cfg *ServerListenerConfig) error {
	if len(cfg.Addr) == 0 {
		return errors.New("no address to bind")
	}

	m.logger.Info("starting server", zap.String("proto", cfg.Protocol), zap.String("addr", cfg.Addr))

	h, err := http_handler.NewHandler(http_handler.HandlerOpts{
		Interceptor: m.runtime,
		SrcIPHeader: cfg.GetUserIPFromHeader,
		HealthPath:  cfg.HealthPath,
		MaxBodySize: cfg.MaxBodySize,
		Logger:      m.logger.Named("intercept"),
	})
	if err != nil {
		return fmt.Errorf("failed to init http handler, %w", err)
	}

	s := server.NewServer(server.ServerOpts{
		Logger:      m.logger,
		HttpHandler: h,
		Cert:        cfg.Cert,
		Key:         cfg.Key,
		KernelRX:    cfg.KernelRX,
		KernelTX:    cfg.KernelTX,
		IdleTimeout: time.Duration(cfg.IdleTimeout) * time.Second,
	})

	var run func() error
	switch cfg.Protocol {
	case "", "http":
		l, err := m.listenStream(cfg)
		if err != nil {
			return err
		}
		run = func() error { return s.ServeHTTP(l) }
	case "https", "tls":
		l, err := m.listenStream(cfg)
		if err != nil {
			return err
		}
		tl, err := s.CreateETLSListener(l, []string{"h2", "http/1.1"}, cfg.AllowedSNI)
		if err != nil {
			l.Close()
			return err
		}
		run = func() error { return s.ServeHTTP(tl) }
	case "h3", "http3":
		conn, err := net.ListenPacket("udp", cfg.Addr)
		if err != nil {
			return err
		}
		ql, err := s.CreateQUICListener(conn, []string{http3.NextProtoH3}, cfg.AllowedSNI)
		if err != nil {
			conn.Close()
			return err
		}
		run = func() error { return s.ServeH3(ql) }
	default:
		return fmt.Errorf("unknown protocol: [%s]", cfg.Protocol)
	}

	m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		errChan := make(chan error, 1)
		go func() {
			errChan <- run()
		}()
		select {
		case err := <-errChan:
			m.sc.SendCloseSignal(fmt.Errorf("server exited, %w", err))
		case <-closeSignal:
			s.Close()
		}
	})
	return nil
}

// listenStream opens the tcp or unix socket of cfg. PROXY protocol headers
// are read before any tls handshake.
func (m *Swproxy) listenStream(cfg *ServerListenerConfig) (net.Listener, error) {
	network := "tcp"
	if cfg.UnixDomainSocket {
		network = "unix"
	}
	l, err := net.Listen(network, cfg.Addr)
	if err != nil {
		return nil, err
	}
	if cfg.ProxyProtocol {
		l = server.WithProxyProtocol(l)
	}
	return l, nil
}
