package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
)

var errNotHijacker = errors.New("middleware: response writer does not support hijacking")

// hijack lets wrapped writers pass websocket upgrades through.
func hijack(w http.ResponseWriter) (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.(http.Hijacker)
	if !ok {
		return nil, nil, errNotHijacker
	}
	return h.Hijack()
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, brw, err := hijack(rw.ResponseWriter)
	if err == nil {
		rw.hijacked = true
	}
	return conn, brw, err
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

func (rw *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, brw, err := hijack(rw.ResponseWriter)
	if err == nil {
		rw.hijacked = true
	}
	return conn, brw, err
}

func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

func (rw *tracingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return hijack(rw.ResponseWriter)
}

func (rw *tracingResponseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }
