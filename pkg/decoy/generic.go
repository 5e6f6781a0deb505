package decoy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/honeytrap-sensor/internal/types"
)

const (
	maxFTPAuthFailures    = 3
	maxTelnetAuthFailures = 6
)

// GenericService emulates a plain-text or binary protocol far enough to
// capture credentials and the first commands a client sends.
type GenericService struct {
	*listener
}

type protocolHandler func(g *GenericService, conn net.Conn, rec *recorder) error

var genericProtocols = map[types.ServiceType]protocolHandler{
	types.ServiceFTP:    (*GenericService).serveFTP,
	types.ServiceTelnet: (*GenericService).serveTelnet,
	types.ServiceMySQL:  (*GenericService).serveMySQL,
	types.ServiceRedis:  (*GenericService).serveRedis,
	types.ServiceSMB:    (*GenericService).serveSMB,
	types.ServiceRDP:    (*GenericService).serveRDP,
}

// NewGeneric creates a decoy for one of the generic protocols. SSH and
// HTTP have dedicated decoys and are rejected here.
func NewGeneric(serviceType types.ServiceType, port int, opts Options, log *logrus.Logger) (*GenericService, error) {
	handler, ok := genericProtocols[serviceType]
	if !ok {
		return nil, unsupported(serviceType)
	}
	g := &GenericService{listener: newListener(serviceType, port, opts, log)}
	g.serve = func(_ context.Context, conn net.Conn, rec *recorder) error {
		return handler(g, conn, rec)
	}
	return g, nil
}

func (g *GenericService) serveFTP(conn net.Conn, rec *recorder) error {
	br := bufio.NewReader(conn)
	reply := func(s string) error {
		_, err := io.WriteString(conn, s+"\r\n")
		return err
	}
	if err := reply("220 (vsFTPd 3.0.5)"); err != nil {
		return err
	}

	user, failures := "", 0
	for {
		line, err := readLine(br, maxLineLength)
		if err != nil {
			return err
		}
		verb, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		switch strings.ToUpper(verb) {
		case "":
			continue
		case "USER":
			user = arg
			err = reply("331 Please specify the password.")
		case "PASS":
			rec.credential(user, arg)
			user = ""
			failures++
			if failures >= maxFTPAuthFailures {
				reply("530 Login incorrect.")
				return nil
			}
			err = reply("530 Login incorrect.")
		case "QUIT":
			reply("221 Goodbye.")
			return nil
		case "SYST":
			err = reply("215 UNIX Type: L8")
		case "FEAT":
			err = reply("211-Features:\r\n EPRT\r\n EPSV\r\n MDTM\r\n PASV\r\n REST STREAM\r\n SIZE\r\n TVFS\r\n211 End")
		case "NOOP":
			err = reply("200 NOOP ok.")
		default:
			if !rec.command(line) {
				return nil
			}
			err = reply("530 Please login with USER and PASS.")
		}
		if err != nil {
			return err
		}
	}
}

func (g *GenericService) serveTelnet(conn net.Conn, rec *recorder) error {
	br := bufio.NewReader(conn)
	write := func(s string) error {
		_, err := io.WriteString(conn, s)
		return err
	}
	if err := write("\r\nUbuntu 22.04.3 LTS\r\n\r\n"); err != nil {
		return err
	}

	for {
		if err := write(g.opts.Hostname + " login: "); err != nil {
			return err
		}
		user, err := readTelnetLine(br)
		if err != nil {
			return err
		}
		if err := write("Password: "); err != nil {
			return err
		}
		pass, err := readTelnetLine(br)
		if err != nil {
			return err
		}
		n := rec.credential(user, pass)
		if g.opts.ShellAfterAttempts > 0 && n >= g.opts.ShellAfterAttempts {
			return g.telnetShell(conn, br, rec, newFakeShell(g.opts.Hostname, user))
		}
		if err := write("\r\nLogin incorrect\r\n"); err != nil {
			return err
		}
		if n >= maxTelnetAuthFailures {
			return nil
		}
	}
}

func (g *GenericService) telnetShell(conn net.Conn, br *bufio.Reader, rec *recorder, shell *fakeShell) error {
	if _, err := io.WriteString(conn, crlf("\n"+shell.motd()+"\n")); err != nil {
		return err
	}
	for {
		if _, err := io.WriteString(conn, shell.prompt()); err != nil {
			return err
		}
		line, err := readTelnetLine(br)
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !rec.command(line) {
			return nil
		}
		out, exit := shell.run(line)
		if out != "" {
			if _, err := io.WriteString(conn, crlf(out+"\n")); err != nil {
				return err
			}
		}
		if exit {
			io.WriteString(conn, "logout\r\n")
			return nil
		}
	}
}

// Telnet command bytes.
const (
	telnetIAC  = 255
	telnetSB   = 250
	telnetSE   = 240
	telnetWILL = 251
	telnetDONT = 254
)

func readTelnetLine(br *bufio.Reader) (string, error) {
	line, err := readLine(br, maxLineLength)
	if err != nil {
		return "", err
	}
	return stripTelnetCommands(line), nil
}

// stripTelnetCommands removes IAC negotiation sequences from a line.
func stripTelnetCommands(s string) string {
	if strings.IndexByte(s, telnetIAC) < 0 {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != telnetIAC {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			break
		}
		cmd := s[i+1]
		switch {
		case cmd == telnetIAC:
			b.WriteByte(telnetIAC)
			i++
		case cmd == telnetSB:
			end := strings.Index(s[i:], string([]byte{telnetIAC, telnetSE}))
			if end < 0 {
				return b.String()
			}
			i += end + 1
		case cmd >= telnetWILL && cmd <= telnetDONT:
			i += 2
		default:
			i++
		}
	}
	return b.String()
}

func (g *GenericService) serveRedis(conn net.Conn, rec *recorder) error {
	br := bufio.NewReader(conn)
	for {
		args, err := readRESP(br)
		if err != nil {
			return err
		}
		if len(args) == 0 {
			continue
		}
		var reply string
		switch strings.ToUpper(args[0]) {
		case "AUTH":
			switch len(args) {
			case 2:
				rec.credential("default", args[1])
			case 3:
				rec.credential(args[1], args[2])
			}
			reply = "-WRONGPASS invalid username-password pair or user is disabled."
		case "QUIT":
			io.WriteString(conn, "+OK\r\n")
			return nil
		default:
			if !rec.command(strings.Join(args, " ")) {
				return nil
			}
			reply = "-NOAUTH Authentication required."
		}
		if _, err := io.WriteString(conn, reply+"\r\n"); err != nil {
			return err
		}
	}
}

const (
	maxRESPArgs    = 1024
	maxRESPBulkLen = 64 << 10
)

// readRESP reads one command in either RESP array or inline form.
func readRESP(br *bufio.Reader) ([]string, error) {
	first, err := br.Peek(1)
	if err != nil {
		return nil, err
	}
	if first[0] != '*' {
		line, err := readLine(br, maxLineLength)
		if err != nil {
			return nil, err
		}
		return strings.Fields(line), nil
	}

	header, err := readLine(br, 32)
	if err != nil {
		return nil, err
	}
	var count int
	if _, err := fmt.Sscanf(header, "*%d", &count); err != nil || count < 0 || count > maxRESPArgs {
		return nil, fmt.Errorf("protocol error: bad multibulk header %q", header)
	}
	args := make([]string, 0, count)
	for i := 0; i < count; i++ {
		h, err := readLine(br, 32)
		if err != nil {
			return nil, err
		}
		var n int
		if _, err := fmt.Sscanf(h, "$%d", &n); err != nil || n < 0 || n > maxRESPBulkLen {
			return nil, fmt.Errorf("protocol error: bad bulk length %q", h)
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:n]))
	}
	return args, nil
}
