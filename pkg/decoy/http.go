package decoy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/honeytrap-sensor/internal/types"
)

const (
	httpServerHeader = "Apache/2.4.57 (Ubuntu)"
	maxHTTPBody      = 64 << 10
)

var (
	loginUserFields = []string{"username", "user", "login", "email", "log", "uname"}
	loginPassFields = []string{"password", "pass", "passwd", "pwd"}
)

// HTTPService is a web decoy that serves a fake admin login and records
// every request. It reads requests off the raw connection so malformed
// input is still captured.
type HTTPService struct {
	*listener
}

// NewHTTP creates an HTTP decoy.
func NewHTTP(port int, opts Options, log *logrus.Logger) *HTTPService {
	h := &HTTPService{listener: newListener(types.ServiceHTTP, port, opts, log)}
	h.serve = h.serveConn
	return h
}

func (h *HTTPService) serveConn(ctx context.Context, conn net.Conn, rec *recorder) error {
	br := bufio.NewReader(conn)
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return io.EOF
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return err
			}
			rec.event(types.EventHTTPRequest, map[string]string{"error": "malformed request", "detail": err.Error()})
			io.WriteString(conn, "HTTP/1.1 400 Bad Request\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")
			return nil
		}

		body, _ := io.ReadAll(io.LimitReader(req.Body, maxHTTPBody))
		req.Body.Close()

		keep := h.record(rec, req, body)
		resp := h.respond(req)
		if !keep || req.Close || req.ProtoMajor < 1 || (req.ProtoMajor == 1 && req.ProtoMinor == 0) {
			resp.Close = true
			resp.Header.Set("Connection", "close")
		}
		if err := resp.Write(conn); err != nil {
			return err
		}
		if resp.Close {
			return nil
		}
	}
}

// record captures the request and returns false once the command limit
// for the session is hit.
func (h *HTTPService) record(rec *recorder, req *http.Request, body []byte) bool {
	target := req.URL.RequestURI()
	rec.event(types.EventHTTPRequest, map[string]string{
		"method":     req.Method,
		"path":       target,
		"host":       req.Host,
		"user_agent": req.UserAgent(),
		"body_bytes": strconv.Itoa(len(body)),
	})
	rec.userAgent(req.UserAgent())

	if user, pass, ok := req.BasicAuth(); ok {
		rec.credential(user, pass)
	}
	if req.Method == http.MethodPost && len(body) > 0 {
		if form, err := url.ParseQuery(string(body)); err == nil {
			user, pass := firstField(form, loginUserFields), firstField(form, loginPassFields)
			if user != "" || pass != "" {
				rec.credential(user, pass)
			}
		}
		rec.inspect(string(body))
	}
	if unescaped, err := url.QueryUnescape(target); err == nil && unescaped != target {
		rec.inspect(req.Method + " " + unescaped)
	}
	return rec.command(req.Method + " " + target)
}

func firstField(form url.Values, names []string) string {
	for _, n := range names {
		if v := form.Get(n); v != "" {
			return v
		}
	}
	return ""
}

func (h *HTTPService) respond(req *http.Request) *http.Response {
	p := strings.ToLower(req.URL.Path)
	switch {
	case p == "/robots.txt":
		return h.response(req, http.StatusOK, "text/plain", "User-agent: *\nDisallow: /admin/\nDisallow: /backup/\n")
	case strings.HasPrefix(p, "/.env"), strings.HasPrefix(p, "/.git"), strings.HasPrefix(p, "/backup"), strings.HasPrefix(p, "/server-status"):
		return h.response(req, http.StatusForbidden, "text/html", h.errorPage(http.StatusForbidden, "You don't have permission to access this resource."))
	case req.Header.Get("Authorization") != "":
		resp := h.response(req, http.StatusUnauthorized, "text/html", h.errorPage(http.StatusUnauthorized, "This server could not verify that you are authorized to access the document requested."))
		resp.Header.Set("WWW-Authenticate", `Basic realm="Restricted"`)
		return resp
	case p == "/" || p == "/login" || p == "/admin" || strings.HasPrefix(p, "/admin/") || p == "/wp-login.php" || p == "/phpmyadmin/":
		msg := ""
		if req.Method == http.MethodPost {
			msg = `<p class="error">Invalid username or password.</p>`
		}
		return h.response(req, http.StatusOK, "text/html; charset=UTF-8", h.loginPage(msg))
	default:
		return h.response(req, http.StatusNotFound, "text/html", h.errorPage(http.StatusNotFound, "The requested URL was not found on this server."))
	}
}

func (h *HTTPService) response(req *http.Request, code int, contentType, body string) *http.Response {
	header := make(http.Header)
	header.Set("Server", httpServerHeader)
	header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	header.Set("Content-Type", contentType)
	if req.Method == http.MethodHead {
		body = ""
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", code, http.StatusText(code)),
		StatusCode:    code,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

func (h *HTTPService) loginPage(msg string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><title>%s - Admin Login</title></head>
<body>
<h2>Administration</h2>
%s<form method="post" action="/login">
<input type="text" name="username" placeholder="Username">
<input type="password" name="password" placeholder="Password">
<button type="submit">Sign in</button>
</form>
</body></html>
`, h.opts.Hostname, msg)
}

func (h *HTTPService) errorPage(code int, detail string) string {
	return fmt.Sprintf(`<!DOCTYPE HTML PUBLIC "-//IETF//DTD HTML 2.0//EN">
<html><head>
<title>%d %s</title>
</head><body>
<h1>%s</h1>
<p>%s</p>
<hr>
<address>%s Server at %s Port 80</address>
</body></html>
`, code, http.StatusText(code), http.StatusText(code), detail, httpServerHeader, h.opts.Hostname)
}
