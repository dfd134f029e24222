package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

const sniffTimeout = 5 * time.Second

// httpOnTLSListener HTTPS 端口上收到纯 HTTP 请求时回 301 到 https://
//
// 首字节为 0x16（TLS ClientHello）的连接交给 TLS 层；
// 嗅探在独立 goroutine 中进行，慢客户端不会阻塞 Accept。
type httpOnTLSListener struct {
	net.Listener

	once  sync.Once
	conns chan net.Conn
	errc  chan error
}

func (l *httpOnTLSListener) Accept() (net.Conn, error) {
	l.once.Do(func() {
		l.conns = make(chan net.Conn)
		l.errc = make(chan error, 1)
		go l.acceptLoop()
	})
	select {
	case c := <-l.conns:
		return c, nil
	case err := <-l.errc:
		return nil, err
	}
}

func (l *httpOnTLSListener) acceptLoop() {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			l.errc <- err
			return
		}
		go l.sniff(conn)
	}
}

func (l *httpOnTLSListener) sniff(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(sniffTimeout))
	first := make([]byte, 1)
	if _, err := io.ReadFull(conn, first); err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	if first[0] != 0x16 {
		redirectToHTTPS(conn, first)
		return
	}
	select {
	case l.conns <- &prefixConn{Conn: conn, prefix: first}:
	case <-time.After(sniffTimeout):
		conn.Close()
	}
}

// prefixConn 先返回已嗅探的字节
type prefixConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixConn) Read(b []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(b, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(b)
}

// redirectToHTTPS 读取一条 HTTP 请求并回 301，目标端口沿用监听端口
func redirectToHTTPS(conn net.Conn, first []byte) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	req, err := http.ReadRequest(bufio.NewReader(&prefixConn{Conn: conn, prefix: first}))
	if err != nil {
		return
	}
	fmt.Fprintf(conn,
		"HTTP/1.1 301 Moved Permanently\r\nLocation: %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n",
		httpsURL(req, conn.LocalAddr()))
}

func httpsURL(req *http.Request, local net.Addr) string {
	host := req.Host
	if host == "" {
		host = local.String()
	}
	_, port, _ := net.SplitHostPort(local.String())
	if port != "" && port != "443" {
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		host = net.JoinHostPort(host, port)
	}
	return "https://" + host + req.URL.RequestURI()
}
