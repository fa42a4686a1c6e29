// Package redisstub provides a minimal in-process RESP server covering the
// commands the store layer issues: key-value reads and writes with expiry,
// and channel pub/sub. It exists so store tests can exercise the real client
// without an external Redis.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts        Options
	listener    net.Listener
	addr        string
	mu          sync.Mutex
	kv          map[string]kvEntry
	subscribers map[string]map[*subscriberConn]struct{}
	closed      chan struct{}
	tlsCert     tls.Certificate
	certPEM     []byte
	keyPEM      []byte
}

type kvEntry struct {
	value  string
	expiry time.Time
}

// subscriberConn serialises pushes against command replies on the same
// connection.
type subscriberConn struct {
	mu     sync.Mutex
	writer *bufio.Writer
}

func (c *subscriberConn) push(channel, payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = writeArray(c.writer, []interface{}{"message", channel, payload})
}

func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:        opts,
		kv:          make(map[string]kvEntry),
		subscribers: make(map[string]map[*subscriberConn]struct{}),
		closed:      make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	var ln net.Listener
	var err error
	if opts.EnableTLS {
		certPEM, keyPEM, cert, certErr := generateSelfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
		ln, err = tls.Listen("tcp", addr, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

func (s *Server) KeyPEM() []byte {
	return s.keyPEM
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	sub := &subscriberConn{writer: bufio.NewWriter(conn)}
	defer s.dropSubscriber(sub)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if err := s.writeError(sub, "ERR wrong number of arguments"); err != nil {
				return
			}
			continue
		}
		cmd := strings.ToUpper(args[0])
		switch cmd {
		case "PING":
			if err := s.writeSimple(sub, "PONG"); err != nil {
				return
			}
		case "HELLO":
			// The client downgrades to RESP2 when HELLO is rejected;
			// the connection must stay open for that to work.
			if err := s.writeError(sub, "ERR unknown command 'HELLO'"); err != nil {
				return
			}
		case "CLIENT", "SELECT":
			if err := s.writeSimple(sub, "OK"); err != nil {
				return
			}
		case "AUTH":
			password := ""
			switch len(args) {
			case 2:
				password = args[1]
			case 3:
				password = args[2]
			default:
				if err := s.writeError(sub, "ERR wrong number of arguments for 'auth'"); err != nil {
					return
				}
				continue
			}
			if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				if err := s.writeSimple(sub, "OK"); err != nil {
					return
				}
			} else if err := s.writeError(sub, "WRONGPASS invalid username-password pair"); err != nil {
				return
			}
		default:
			if !authenticated {
				if err := s.writeError(sub, "NOAUTH Authentication required."); err != nil {
					return
				}
				continue
			}
			if !s.dispatch(sub, args) {
				return
			}
		}
	}
}

func (s *Server) dispatch(sub *subscriberConn, args []string) bool {
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "GET":
		if len(args) != 2 {
			_ = s.writeError(sub, "ERR wrong number of arguments for 'get'")
			return true
		}
		value, ok := s.get(args[1])
		if !ok {
			return s.writeNil(sub) == nil
		}
		return s.writeBulk(sub, value) == nil
	case "SET":
		if len(args) < 3 {
			_ = s.writeError(sub, "ERR wrong number of arguments for 'set'")
			return true
		}
		var ttl time.Duration
		for i := 3; i < len(args); i++ {
			switch strings.ToUpper(args[i]) {
			case "EX":
				if i+1 >= len(args) {
					_ = s.writeError(sub, "ERR syntax error")
					return true
				}
				seconds, err := strconv.ParseInt(args[i+1], 10, 64)
				if err != nil {
					_ = s.writeError(sub, "ERR invalid expire time")
					return true
				}
				ttl = time.Duration(seconds) * time.Second
				i++
			case "PX":
				if i+1 >= len(args) {
					_ = s.writeError(sub, "ERR syntax error")
					return true
				}
				millis, err := strconv.ParseInt(args[i+1], 10, 64)
				if err != nil {
					_ = s.writeError(sub, "ERR invalid expire time")
					return true
				}
				ttl = time.Duration(millis) * time.Millisecond
				i++
			}
		}
		s.set(args[1], args[2], ttl)
		return s.writeSimple(sub, "OK") == nil
	case "DEL":
		if len(args) < 2 {
			_ = s.writeError(sub, "ERR wrong number of arguments for 'del'")
			return true
		}
		return s.writeInt(sub, s.del(args[1:])) == nil
	case "TTL":
		if len(args) != 2 {
			_ = s.writeError(sub, "ERR wrong number of arguments for 'ttl'")
			return true
		}
		return s.writeInt(sub, s.ttl(args[1])) == nil
	case "SUBSCRIBE":
		if len(args) < 2 {
			_ = s.writeError(sub, "ERR wrong number of arguments for 'subscribe'")
			return true
		}
		for _, channel := range args[1:] {
			count := s.subscribe(channel, sub)
			sub.mu.Lock()
			err := writeArray(sub.writer, []interface{}{"subscribe", channel, count})
			sub.mu.Unlock()
			if err != nil {
				return false
			}
		}
		return true
	case "UNSUBSCRIBE":
		channels := args[1:]
		if len(channels) == 0 {
			channels = s.channelsFor(sub)
		}
		for _, channel := range channels {
			count := s.unsubscribe(channel, sub)
			sub.mu.Lock()
			err := writeArray(sub.writer, []interface{}{"unsubscribe", channel, count})
			sub.mu.Unlock()
			if err != nil {
				return false
			}
		}
		return true
	case "PUBLISH":
		if len(args) != 3 {
			_ = s.writeError(sub, "ERR wrong number of arguments for 'publish'")
			return true
		}
		delivered := s.publish(args[1], args[2])
		return s.writeInt(sub, delivered) == nil
	default:
		// Unknown commands get an error but keep the connection; the
		// client retries handshake commands on fresh connections.
		return s.writeError(sub, fmt.Sprintf("ERR unsupported command '%s'", cmd)) == nil
	}
}

func (s *Server) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.kv[key]
	if !ok {
		return "", false
	}
	if !entry.expiry.IsZero() && time.Now().After(entry.expiry) {
		delete(s.kv, key)
		return "", false
	}
	return entry.value, true
}

func (s *Server) set(key, value string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := kvEntry{value: value}
	if ttl > 0 {
		entry.expiry = time.Now().Add(ttl)
	}
	s.kv[key] = entry
}

func (s *Server) del(keys []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for _, key := range keys {
		if _, ok := s.kv[key]; ok {
			delete(s.kv, key)
			removed++
		}
	}
	return removed
}

func (s *Server) ttl(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.kv[key]
	if !ok {
		return -2
	}
	if entry.expiry.IsZero() {
		return -1
	}
	remaining := time.Until(entry.expiry)
	if remaining <= 0 {
		delete(s.kv, key)
		return -2
	}
	return int64(remaining / time.Second)
}

func (s *Server) subscribe(channel string, sub *subscriberConn) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subscribers[channel]
	if !ok {
		set = make(map[*subscriberConn]struct{})
		s.subscribers[channel] = set
	}
	set[sub] = struct{}{}
	return s.countLocked(sub)
}

func (s *Server) unsubscribe(channel string, sub *subscriberConn) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.subscribers[channel]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(s.subscribers, channel)
		}
	}
	return s.countLocked(sub)
}

func (s *Server) countLocked(sub *subscriberConn) int64 {
	var count int64
	for _, set := range s.subscribers {
		if _, ok := set[sub]; ok {
			count++
		}
	}
	return count
}

func (s *Server) channelsFor(sub *subscriberConn) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var channels []string
	for channel, set := range s.subscribers {
		if _, ok := set[sub]; ok {
			channels = append(channels, channel)
		}
	}
	return channels
}

func (s *Server) dropSubscriber(sub *subscriberConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for channel, set := range s.subscribers {
		delete(set, sub)
		if len(set) == 0 {
			delete(s.subscribers, channel)
		}
	}
}

func (s *Server) publish(channel, payload string) int64 {
	s.mu.Lock()
	targets := make([]*subscriberConn, 0, len(s.subscribers[channel]))
	for sub := range s.subscribers[channel] {
		targets = append(targets, sub)
	}
	s.mu.Unlock()
	for _, sub := range targets {
		sub.push(channel, payload)
	}
	return int64(len(targets))
}

func (s *Server) writeSimple(sub *subscriberConn, value string) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return writeSimpleString(sub.writer, value)
}

func (s *Server) writeBulk(sub *subscriberConn, value string) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return writeBulkString(sub.writer, value)
}

func (s *Server) writeNil(sub *subscriberConn) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return writeBulkNil(sub.writer)
}

func (s *Server) writeInt(sub *subscriberConn, value int64) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return writeInteger(sub.writer, value)
}

func (s *Server) writeError(sub *subscriberConn, msg string) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return writeError(sub.writer, msg)
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"127.0.0.1", "localhost"},
	}
	tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		switch v := value.(type) {
		case string:
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v); err != nil {
				return err
			}
		case int64:
			if _, err := fmt.Fprintf(w, ":%d\r\n", v); err != nil {
				return err
			}
		default:
			formatted := fmt.Sprint(v)
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(formatted), formatted); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
