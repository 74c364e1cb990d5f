package stub

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"parkdog.im/internal/transport"
)

// startWebTransport 启动 WebTransport 入口，客户端只使用一条双向流
func (s *Server) startWebTransport(ctx context.Context) error {
	tlsConfig, err := generateSelfSignedTLSConfig()
	if err != nil {
		return err
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  90 * time.Second,
		KeepAlivePeriod: 30 * time.Second,
		EnableDatagrams: true, // WebTransport 需要启用数据报支持
	}

	s.wtServer = &webtransport.Server{
		H3: http3.Server{
			Addr:       s.cfg.WebTransportAddr,
			TLSConfig:  tlsConfig,
			QUICConfig: quicConfig,
		},
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webtransport", func(w http.ResponseWriter, r *http.Request) {
		session, err := s.wtServer.Upgrade(w, r)
		if err != nil {
			s.logger.Error("WebTransport upgrade failed", "error", err)
			return
		}
		s.wg.Add(1)
		go s.handleSession(ctx, session)
	})
	s.wtServer.H3.Handler = mux

	s.logger.Info("WebTransport server starting", "addr", s.cfg.WebTransportAddr)
	return s.wtServer.ListenAndServe()
}

func (s *Server) handleSession(ctx context.Context, session *webtransport.Session) {
	defer s.wg.Done()

	// 首个 stream 必须以认证帧开头
	stream, err := session.AcceptStream(ctx)
	if err != nil {
		return
	}

	ftype, body, err := transport.ReadFrame(stream)
	if err != nil || ftype != transport.FrameAuth {
		session.CloseWithError(0, "auth frame expected")
		return
	}

	userID, err := s.authenticate(string(body))
	if err != nil {
		s.logger.Info("WebTransport auth failed", "error", err)
		ack, _ := json.Marshal(transport.AuthAck{Code: transport.CloseTokenExpired, Message: "token rejected"})
		transport.WriteFrame(stream, transport.FrameAuthAck, ack)
		session.CloseWithError(webtransport.SessionErrorCode(transport.CloseTokenExpired), "auth failed")
		return
	}

	ack, _ := json.Marshal(transport.AuthAck{Code: 0, UserID: userID, Message: "ok"})
	if err := transport.WriteFrame(stream, transport.FrameAuthAck, ack); err != nil {
		session.CloseWithError(0, "auth ack failed")
		return
	}

	sock := transport.NewWebTransportConn(session, stream)
	conn := newConn(userID, sock, s.logger)
	// 客户端心跳原样回应
	sock.SetPongHandler(func() {
		conn.touch()
		if err := sock.Ping(); err != nil {
			conn.logger.Debug("Heartbeat reply failed", "error", err)
		}
	})

	// 阻塞直到流关闭
	s.serveConn(conn)
}

// generateSelfSignedTLSConfig 生成内存中的自签名证书（仅用于开发环境）
func generateSelfSignedTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"ParkDog Dev"},
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour * 10), // 自签名证书最长 14 天
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		}},
		NextProtos: []string{"h3", "webtransport"},
		MinVersion: tls.VersionTLS13,
	}, nil
}
