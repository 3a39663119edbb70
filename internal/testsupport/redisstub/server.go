// Package redisstub runs a minimal in-process Redis speaking enough of the
// protocol for the credential mirror (GET, SET, PUBLISH, SUBSCRIBE) and the
// distributed ingest limiter (INCR, EXPIRE, TTL).
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
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
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	kv       map[string]*kvEntry
	subs     map[string][]*subscriber
	closed   chan struct{}
	certPEM  []byte
	keyPEM   []byte
}

type kvEntry struct {
	value  string
	expiry time.Time
}

type subscriber struct {
	mu       sync.Mutex
	writer   *bufio.Writer
	channels map[string]struct{}
}

func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:   opts,
		kv:     make(map[string]*kvEntry),
		subs:   make(map[string][]*subscriber),
		closed: make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	var ln net.Listener
	var err error
	if opts.EnableTLS {
		certPEM, keyPEM, cert, certErr := generateSelfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
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

// Get returns the stored value for key, for asserting on published state.
func (s *Server) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.liveEntry(key)
	if !ok {
		return "", false
	}
	return entry.value, true
}

// SubscriberCount reports how many connections are subscribed to channel.
// Tests use it to wait for a subscription before publishing.
func (s *Server) SubscriberCount(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[channel])
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
	sub := &subscriber{
		writer:   bufio.NewWriter(conn),
		channels: make(map[string]struct{}),
	}
	defer s.dropSubscriber(sub)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			sub.writeError("ERR wrong number of arguments")
			continue
		}
		switch strings.ToUpper(args[0]) {
		case "PING":
			sub.writeSimpleString("PONG")
		case "HELLO":
			// Forces go-redis to fall back to RESP2.
			sub.writeError("ERR unknown command 'hello'")
		case "CLIENT", "SELECT":
			sub.writeSimpleString("OK")
		case "AUTH":
			supplied := args[len(args)-1]
			if s.opts.Password == "" || supplied == s.opts.Password {
				authenticated = true
				sub.writeSimpleString("OK")
			} else {
				sub.writeError("WRONGPASS invalid username-password pair")
			}
		default:
			if !authenticated {
				sub.writeError("NOAUTH Authentication required.")
				continue
			}
			s.dispatch(sub, args)
		}
	}
}

func (s *Server) dispatch(sub *subscriber, args []string) {
	switch strings.ToUpper(args[0]) {
	case "GET":
		if len(args) != 2 {
			sub.writeError("ERR wrong number of arguments for 'get'")
			return
		}
		s.mu.Lock()
		entry, ok := s.liveEntry(args[1])
		s.mu.Unlock()
		if !ok {
			sub.writeBulkNil()
			return
		}
		sub.writeBulkString(entry.value)
	case "SET":
		if len(args) < 3 {
			sub.writeError("ERR wrong number of arguments for 'set'")
			return
		}
		s.mu.Lock()
		s.kv[args[1]] = &kvEntry{value: args[2]}
		s.mu.Unlock()
		sub.writeSimpleString("OK")
	case "INCR":
		if len(args) != 2 {
			sub.writeError("ERR wrong number of arguments for 'incr'")
			return
		}
		sub.writeInteger(s.incr(args[1]))
	case "EXPIRE":
		if len(args) != 3 {
			sub.writeError("ERR wrong number of arguments for 'expire'")
			return
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			sub.writeError("ERR invalid expire time")
			return
		}
		s.expire(args[1], time.Duration(seconds)*time.Second)
		sub.writeInteger(1)
	case "TTL":
		if len(args) != 2 {
			sub.writeError("ERR wrong number of arguments for 'ttl'")
			return
		}
		sub.writeInteger(s.ttl(args[1]))
	case "PUBLISH":
		if len(args) != 3 {
			sub.writeError("ERR wrong number of arguments for 'publish'")
			return
		}
		sub.writeInteger(s.publish(args[1], args[2]))
	case "SUBSCRIBE":
		if len(args) < 2 {
			sub.writeError("ERR wrong number of arguments for 'subscribe'")
			return
		}
		s.subscribe(sub, args[1:])
	case "UNSUBSCRIBE":
		s.unsubscribe(sub, args[1:])
	default:
		sub.writeError(fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(args[0])))
	}
}

func (s *Server) liveEntry(key string) (*kvEntry, bool) {
	entry, ok := s.kv[key]
	if !ok {
		return nil, false
	}
	if !entry.expiry.IsZero() && time.Now().After(entry.expiry) {
		delete(s.kv, key)
		return nil, false
	}
	return entry, true
}

func (s *Server) incr(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.liveEntry(key)
	if !ok {
		entry = &kvEntry{}
		s.kv[key] = entry
	}
	value, _ := strconv.ParseInt(entry.value, 10, 64)
	value++
	entry.value = strconv.FormatInt(value, 10)
	return value
}

func (s *Server) expire(key string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.liveEntry(key)
	if !ok {
		entry = &kvEntry{}
		s.kv[key] = entry
	}
	entry.expiry = time.Now().Add(ttl)
}

func (s *Server) ttl(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.liveEntry(key)
	if !ok {
		return -2
	}
	if entry.expiry.IsZero() {
		return -1
	}
	remaining := time.Until(entry.expiry)
	if remaining < time.Second {
		return 1
	}
	return int64(remaining / time.Second)
}

func (s *Server) publish(channel, payload string) int64 {
	s.mu.Lock()
	subs := append([]*subscriber(nil), s.subs[channel]...)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.writePush("message", channel, payload)
	}
	return int64(len(subs))
}

func (s *Server) subscribe(sub *subscriber, channels []string) {
	s.mu.Lock()
	for _, channel := range channels {
		if _, ok := sub.channels[channel]; !ok {
			sub.channels[channel] = struct{}{}
			s.subs[channel] = append(s.subs[channel], sub)
		}
	}
	count := int64(len(sub.channels))
	s.mu.Unlock()
	for _, channel := range channels {
		sub.writeSubscribeReply("subscribe", channel, count)
	}
}

func (s *Server) unsubscribe(sub *subscriber, channels []string) {
	s.mu.Lock()
	if len(channels) == 0 {
		for channel := range sub.channels {
			channels = append(channels, channel)
		}
	}
	for _, channel := range channels {
		delete(sub.channels, channel)
		s.subs[channel] = removeSubscriber(s.subs[channel], sub)
	}
	count := int64(len(sub.channels))
	s.mu.Unlock()
	for _, channel := range channels {
		sub.writeSubscribeReply("unsubscribe", channel, count)
	}
}

func (s *Server) dropSubscriber(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for channel := range sub.channels {
		s.subs[channel] = removeSubscriber(s.subs[channel], sub)
	}
}

func removeSubscriber(subs []*subscriber, target *subscriber) []*subscriber {
	out := subs[:0]
	for _, sub := range subs {
		if sub != target {
			out = append(out, sub)
		}
	}
	return out
}

func (c *subscriber) writeSimpleString(value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.writer, "+%s\r\n", value)
	c.writer.Flush()
}

func (c *subscriber) writeError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.writer, "-%s\r\n", msg)
	c.writer.Flush()
}

func (c *subscriber) writeInteger(value int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.writer, ":%d\r\n", value)
	c.writer.Flush()
}

func (c *subscriber) writeBulkString(value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.writer, "$%d\r\n%s\r\n", len(value), value)
	c.writer.Flush()
}

func (c *subscriber) writeBulkNil() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writer.WriteString("$-1\r\n")
	c.writer.Flush()
}

func (c *subscriber) writePush(kind, channel, payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.writer, "*3\r\n$%d\r\n%s\r\n$%d\r\n%s\r\n$%d\r\n%s\r\n",
		len(kind), kind, len(channel), channel, len(payload), payload)
	c.writer.Flush()
}

func (c *subscriber) writeSubscribeReply(kind, channel string, count int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.writer, "*3\r\n$%d\r\n%s\r\n$%d\r\n%s\r\n:%d\r\n",
		len(kind), kind, len(channel), channel, count)
	c.writer.Flush()
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
	if _, err := fullRead(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func fullRead(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
