package decoy

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/invisible-tech/honeytrap-sensor/internal/types"
)

// MySQL capability flags advertised by the decoy. SSL is not
// offered, so clients answer in the clear handshake.
const (
	mysqlClientConnectWithDB    = 0x00000008
	mysqlClientProtocol41       = 0x00000200
	mysqlClientSecureConnection = 0x00008000
	mysqlClientPluginAuth       = 0x00080000
	mysqlServerCapabilities     = 0x00000001 | 0x00000004 | mysqlClientConnectWithDB |
		mysqlClientProtocol41 | 0x00002000 | mysqlClientSecureConnection | mysqlClientPluginAuth

	mysqlServerVersion = "5.7.42-0ubuntu0.18.04.1-log"
	maxBinaryPacket    = 64 << 10
)

// TechniqueRemoteServiceExploit is tagged on SMBv1 negotiation, which in
// practice means an EternalBlue-style scanner.
const TechniqueRemoteServiceExploit = "T1210"

func (g *GenericService) serveMySQL(conn net.Conn, rec *recorder) error {
	if err := writeMySQLPacket(conn, 0, mysqlHandshake(uint32(g.total.Load()))); err != nil {
		return err
	}

	seq, payload, err := readMySQLPacket(conn)
	if err != nil {
		return err
	}
	resp := parseMySQLLogin(payload)
	data := map[string]string{"username": resp.user}
	if resp.database != "" {
		data["database"] = resp.database
	}
	if resp.plugin != "" {
		data["auth_plugin"] = resp.plugin
	}
	rec.event(types.EventProtocolData, data)
	// The password arrives scrambled with the nonce and cannot be recovered.
	rec.credential(resp.user, "")

	using := "NO"
	if resp.hasPassword {
		using = "YES"
	}
	host, _ := splitAddr(conn.RemoteAddr())
	msg := fmt.Sprintf("Access denied for user '%s'@'%s' (using password: %s)", resp.user, host, using)
	return writeMySQLPacket(conn, seq+1, mysqlError(1045, "28000", msg))
}

func mysqlHandshake(connID uint32) []byte {
	nonce := make([]byte, 20)
	rand.Read(nonce)
	for i := range nonce {
		// Scramble bytes must be printable and non-zero.
		nonce[i] = nonce[i]%94 + 33
	}

	var b bytes.Buffer
	b.WriteByte(10)
	b.WriteString(mysqlServerVersion)
	b.WriteByte(0)
	binary.Write(&b, binary.LittleEndian, connID)
	b.Write(nonce[:8])
	b.WriteByte(0)
	binary.Write(&b, binary.LittleEndian, uint16(mysqlServerCapabilities&0xffff))
	b.WriteByte(0x21)
	binary.Write(&b, binary.LittleEndian, uint16(0x0002))
	binary.Write(&b, binary.LittleEndian, uint16(mysqlServerCapabilities>>16))
	b.WriteByte(21)
	b.Write(make([]byte, 10))
	b.Write(nonce[8:])
	b.WriteByte(0)
	b.WriteString("mysql_native_password")
	b.WriteByte(0)
	return b.Bytes()
}

func mysqlError(code uint16, state, msg string) []byte {
	var b bytes.Buffer
	b.WriteByte(0xff)
	binary.Write(&b, binary.LittleEndian, code)
	b.WriteByte('#')
	b.WriteString(state)
	b.WriteString(msg)
	return b.Bytes()
}

func writeMySQLPacket(w io.Writer, seq byte, payload []byte) error {
	header := []byte{byte(len(payload)), byte(len(payload) >> 8), byte(len(payload) >> 16), seq}
	_, err := w.Write(append(header, payload...))
	return err
}

func readMySQLPacket(r io.Reader) (byte, []byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	n := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	if n > maxBinaryPacket {
		return 0, nil, fmt.Errorf("mysql packet too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return header[3], payload, nil
}

type mysqlLogin struct {
	user        string
	database    string
	plugin      string
	hasPassword bool
}

// parseMySQLLogin extracts what it can from a HandshakeResponse41. Short
// or pre-4.1 packets yield whatever fields were present.
func parseMySQLLogin(p []byte) mysqlLogin {
	var out mysqlLogin
	if len(p) < 32 {
		return out
	}
	caps := binary.LittleEndian.Uint32(p[:4])
	rest := p[32:]

	user, rest := cString(rest)
	out.user = user
	if len(rest) == 0 {
		return out
	}

	if caps&mysqlClientSecureConnection != 0 {
		n := int(rest[0])
		rest = rest[1:]
		if n > len(rest) {
			n = len(rest)
		}
		out.hasPassword = n > 0
		rest = rest[n:]
	} else {
		var auth string
		auth, rest = cString(rest)
		out.hasPassword = auth != ""
	}
	if caps&mysqlClientConnectWithDB != 0 && len(rest) > 0 {
		out.database, rest = cString(rest)
	}
	if caps&mysqlClientPluginAuth != 0 && len(rest) > 0 {
		out.plugin, _ = cString(rest)
	}
	return out
}

func cString(b []byte) (string, []byte) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return truncate(string(b)), nil
	}
	return truncate(string(b[:i])), b[i+1:]
}

func (g *GenericService) serveSMB(conn net.Conn, rec *recorder) error {
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return err
	}
	n := int(header[1])<<16 | int(header[2])<<8 | int(header[3])
	if header[0] != 0 || n < 4 {
		rec.event(types.EventProtocolData, map[string]string{"error": "not an SMB session message"})
		return nil
	}
	if n > maxBinaryPacket {
		n = maxBinaryPacket
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return err
	}

	dialect := "unknown"
	switch {
	case bytes.HasPrefix(payload, []byte("\xffSMB")):
		dialect = "smb1"
		rec.technique(TechniqueRemoteServiceExploit, "smb1_negotiate")
	case bytes.HasPrefix(payload, []byte("\xfeSMB")):
		dialect = "smb2"
	}
	rec.event(types.EventProtocolData, map[string]string{
		"dialect": dialect,
		"bytes":   strconv.Itoa(n),
	})
	rec.command("SMB_NEGOTIATE " + dialect)
	return nil
}

const rdpCookiePrefix = "Cookie: mstshash="

func (g *GenericService) serveRDP(conn net.Conn, rec *recorder) error {
	var tpkt [4]byte
	if _, err := io.ReadFull(conn, tpkt[:]); err != nil {
		return err
	}
	n := int(binary.BigEndian.Uint16(tpkt[2:]))
	if tpkt[0] != 3 || n <= 4 {
		rec.event(types.EventProtocolData, map[string]string{"error": "not a TPKT packet"})
		return nil
	}
	payload := make([]byte, n-4)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return err
	}

	data := map[string]string{"pdu": "x224_connection_request"}
	if len(payload) < 2 || payload[1]&0xf0 != 0xe0 {
		data["pdu"] = "unknown"
	}
	s := string(payload)
	if i := strings.Index(s, rdpCookiePrefix); i >= 0 {
		user := s[i+len(rdpCookiePrefix):]
		if j := strings.Index(user, "\r\n"); j >= 0 {
			user = user[:j]
		}
		data["cookie_user"] = user
		rec.credential(user, "")
	}
	rec.event(types.EventProtocolData, data)
	return nil
}
