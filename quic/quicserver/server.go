package quicserver

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	quic "github.com/quic-go/quic-go"

	"github.com/mulgadc/ringproxy/backend"
	"github.com/mulgadc/ringproxy/quic/quicproto"
	"github.com/mulgadc/ringproxy/store"
	"github.com/mulgadc/ringproxy/stream"
)

const (
	alpn              = "ringproxy-obj-v1"
	maxMetaLen uint32 = 64 * 1024
)

// Server answers object GET/PUT/DELETE/STATUS requests over QUIC, backed by
// the node's local object store.
type Server struct {
	addr  string
	store *store.Store

	listener *quic.Listener
}

// New builds a server for the given store; call Serve to start accepting.
func New(st *store.Store, addr string) *Server {
	return &Server{addr: addr, store: st}
}

// Serve listens and blocks accepting connections until ctx is canceled or
// the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	tlsConf, err := makeServerTLSConfig()
	if err != nil {
		return fmt.Errorf("tls setup: %w", err)
	}
	tlsConf.NextProtos = []string{alpn}

	l, err := quic.ListenAddr(s.addr, tlsConf, &quic.Config{
		KeepAlivePeriod: 15 * time.Second,
		MaxIdleTimeout:  60 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.listener = l
	slog.Info("object server listening", "addr", s.addr, "alpn", alpn)

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.serveConn(conn)
	}
}

// Addr returns the listener address once serving.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) serveConn(conn *quic.Conn) {
	defer conn.CloseWithError(0, "bye")

	for {
		st, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		go s.handleStream(st)
	}
}

func (s *Server) handleStream(st *quic.Stream) {
	defer st.Close()

	br := bufio.NewReaderSize(st, 128*1024)
	bw := bufio.NewWriterSize(st, 128*1024)
	defer bw.Flush()

	req, err := quicproto.ReadHeader(br)
	if err != nil {
		return
	}

	meta, err := quicproto.ReadMeta(br, req.MetaLen, maxMetaLen)
	if err != nil {
		writeError(bw, req, quicproto.StatusBadRequest, "bad meta")
		return
	}

	switch req.Method {
	case quicproto.MethodGET:
		var get quicproto.GetMeta
		if err := json.Unmarshal(meta, &get); err != nil {
			writeError(bw, req, quicproto.StatusBadRequest, "bad get meta")
			return
		}
		s.handleGet(bw, req, get)
	case quicproto.MethodPUT:
		var put quicproto.PutMeta
		if err := json.Unmarshal(meta, &put); err != nil {
			writeError(bw, req, quicproto.StatusBadRequest, "bad put meta")
			return
		}
		s.handlePut(br, bw, req, put)
	case quicproto.MethodDELETE:
		var del quicproto.DeleteMeta
		if err := json.Unmarshal(meta, &del); err != nil {
			writeError(bw, req, quicproto.StatusBadRequest, "bad delete meta")
			return
		}
		s.handleDelete(bw, req, del)
	case quicproto.MethodSTATUS:
		s.handleStatus(bw, req)
	default:
		writeError(bw, req, quicproto.StatusBadRequest, "unknown method")
	}
}

func (s *Server) handleGet(bw *bufio.Writer, req quicproto.Header, get quicproto.GetMeta) {
	rng, err := stream.ParseRange(get.Range)
	if err != nil {
		writeError(bw, req, quicproto.StatusRangeError, err.Error())
		return
	}

	info, body, start, end, err := s.store.Get(get.Bucket, get.Object, get.Fragment, rng)
	if err != nil {
		writeError(bw, req, statusFor(err), err.Error())
		return
	}

	result := quicproto.GetResult{
		Size:      int64(len(body)),
		TotalSize: info.TotalSize,
		ETag:      info.ETag,
		ModTime:   info.ModTime,
	}
	status := quicproto.StatusOK
	if rng.Kind != stream.RangeAbsent {
		status = quicproto.StatusPartialContent
		result.ContentRange = fmt.Sprintf("bytes %d-%d/%d", start, end, info.Size)
	}

	meta, _ := json.Marshal(result)
	resp := quicproto.Header{
		Version: quicproto.Version1,
		Method:  req.Method,
		Status:  status,
		ReqID:   req.ReqID,
		MetaLen: quicproto.MetaLen(len(meta)),
		BodyLen: quicproto.BodyLen(int64(len(body))),
	}
	if err := quicproto.WriteHeader(bw, resp); err != nil {
		return
	}
	if _, err := bw.Write(meta); err != nil {
		return
	}
	if _, err := io.Copy(bw, bytes.NewReader(body)); err != nil {
		slog.Warn("get: body write interrupted", "bucket", get.Bucket, "object", get.Object, "error", err)
	}
}

func (s *Server) handlePut(br *bufio.Reader, bw *bufio.Writer, req quicproto.Header, put quicproto.PutMeta) {
	if put.Size < 0 || uint64(put.Size) != req.BodyLen {
		writeError(bw, req, quicproto.StatusBadRequest, "body length mismatch")
		return
	}

	info, err := s.store.Put(put.Bucket, put.Object, put.Fragment, io.LimitReader(br, put.Size), put.Size, put.TotalSize)
	if err != nil {
		writeError(bw, req, statusFor(err), err.Error())
		return
	}

	meta, _ := json.Marshal(quicproto.PutResult{Size: info.Size, ETag: info.ETag})
	resp := quicproto.Header{
		Version: quicproto.Version1,
		Method:  req.Method,
		Status:  quicproto.StatusCreated,
		ReqID:   req.ReqID,
		MetaLen: quicproto.MetaLen(len(meta)),
	}
	if quicproto.WriteHeader(bw, resp) == nil {
		_, _ = bw.Write(meta)
	}
}

func (s *Server) handleDelete(bw *bufio.Writer, req quicproto.Header, del quicproto.DeleteMeta) {
	if err := s.store.Delete(del.Bucket, del.Object, del.Fragment); err != nil {
		writeError(bw, req, statusFor(err), err.Error())
		return
	}
	_ = quicproto.WriteHeader(bw, quicproto.Header{
		Version: quicproto.Version1,
		Method:  req.Method,
		Status:  quicproto.StatusNoContent,
		ReqID:   req.ReqID,
	})
}

func (s *Server) handleStatus(bw *bufio.Writer, req quicproto.Header) {
	meta, _ := json.Marshal(map[string]any{
		"ok":         true,
		"ts_unix_ms": time.Now().UnixMilli(),
	})
	resp := quicproto.Header{
		Version: quicproto.Version1,
		Method:  req.Method,
		Status:  quicproto.StatusOK,
		ReqID:   req.ReqID,
		MetaLen: quicproto.MetaLen(len(meta)),
	}
	if quicproto.WriteHeader(bw, resp) == nil {
		_, _ = bw.Write(meta)
	}
}

func statusFor(err error) uint16 {
	var be *backend.Error
	if errors.As(err, &be) {
		return uint16(be.StatusCode)
	}
	return quicproto.StatusServerError
}

func writeError(bw *bufio.Writer, req quicproto.Header, status uint16, msg string) {
	meta, _ := json.Marshal(quicproto.ErrorResult{Error: msg})
	resp := quicproto.Header{
		Version: quicproto.Version1,
		Method:  req.Method,
		Status:  status,
		ReqID:   req.ReqID,
		MetaLen: quicproto.MetaLen(len(meta)),
	}
	if quicproto.WriteHeader(bw, resp) == nil {
		_, _ = bw.Write(meta)
	}
}

// makeServerTLSConfig generates a self-signed certificate. Use mTLS with a
// real CA in prod.
func makeServerTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{Organization: []string{"ringproxy"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
