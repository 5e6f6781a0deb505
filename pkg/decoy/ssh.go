package decoy

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/invisible-tech/honeytrap-sensor/internal/types"
)

const sshServerVersion = "SSH-2.0-OpenSSH_8.9p1 Ubuntu-3ubuntu0.6"

var errAuthFailed = errors.New("permission denied")

// SSHService is an SSH decoy. It records password, keyboard-interactive
// and public key attempts and, after enough password attempts, drops the
// client into a fake shell.
type SSHService struct {
	*listener
	signer ssh.Signer
}

// NewSSH creates an SSH decoy with a fresh ed25519 host key.
func NewSSH(port int, opts Options, log *logrus.Logger) (*SSHService, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create host key signer: %w", err)
	}
	s := &SSHService{
		listener: newListener(types.ServiceSSH, port, opts, log),
		signer:   signer,
	}
	s.serve = s.serveConn
	return s, nil
}

func (s *SSHService) serverConfig(rec *recorder) *ssh.ServerConfig {
	accept := func(user string, attempts int) (*ssh.Permissions, error) {
		if s.opts.ShellAfterAttempts > 0 && attempts >= s.opts.ShellAfterAttempts {
			return &ssh.Permissions{Extensions: map[string]string{"user": user}}, nil
		}
		return nil, errAuthFailed
	}

	cfg := &ssh.ServerConfig{
		ServerVersion: sshServerVersion,
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			return accept(meta.User(), rec.credential(meta.User(), string(password)))
		},
		KeyboardInteractiveCallback: func(meta ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := challenge(meta.User(), "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(answers) != 1 {
				return nil, errAuthFailed
			}
			return accept(meta.User(), rec.credential(meta.User(), answers[0]))
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			rec.event(types.EventPublicKeyAttempt, map[string]string{
				"username":    meta.User(),
				"key_type":    key.Type(),
				"fingerprint": ssh.FingerprintSHA256(key),
			})
			return nil, errAuthFailed
		},
	}
	cfg.AddHostKey(s.signer)
	return cfg
}

func (s *SSHService) serveConn(ctx context.Context, conn net.Conn, rec *recorder) error {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, s.serverConfig(rec))
	if err != nil {
		if rec.attempts() > 0 || errors.Is(err, io.EOF) {
			return io.EOF
		}
		return err
	}
	defer sconn.Close()

	rec.event(types.EventProtocolData, map[string]string{"client_version": string(sconn.ClientVersion())})
	go ssh.DiscardRequests(reqs)

	user := sconn.User()
	if sconn.Permissions != nil {
		user = sconn.Permissions.Extensions["user"]
	}
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			rec.event(types.EventProtocolData, map[string]string{"rejected_channel": newCh.ChannelType()})
			newCh.Reject(ssh.Prohibited, "administratively prohibited")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		s.handleSession(ch, chReqs, rec, newFakeShell(s.opts.Hostname, user))
	}
	return io.EOF
}

func (s *SSHService) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request, rec *recorder, shell *fakeShell) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "pty-req", "env", "window-change":
			req.Reply(true, nil)
		case "exec":
			req.Reply(true, nil)
			cmd := execCommand(req.Payload)
			status := uint32(0)
			if rec.command(cmd) {
				out, _ := shell.run(cmd)
				if strings.Contains(out, "command not found") {
					status = 127
				}
				if out != "" {
					io.WriteString(ch, out+"\n")
				}
			}
			sendExitStatus(ch, status)
			return
		case "shell":
			req.Reply(true, nil)
			go replyRest(reqs)
			s.runShell(ch, rec, shell)
			sendExitStatus(ch, 0)
			return
		case "subsystem":
			rec.event(types.EventProtocolData, map[string]string{"subsystem": execCommand(req.Payload)})
			req.Reply(false, nil)
		default:
			req.Reply(false, nil)
		}
	}
}

func (s *SSHService) runShell(ch ssh.Channel, rec *recorder, shell *fakeShell) {
	t := term.NewTerminal(ch, shell.prompt())
	io.WriteString(t, shell.motd()+"\n")
	for {
		line, err := t.ReadLine()
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !rec.command(line) {
			return
		}
		out, exit := shell.run(line)
		if out != "" {
			io.WriteString(t, out+"\n")
		}
		if exit {
			return
		}
		t.SetPrompt(shell.prompt())
	}
}

func replyRest(reqs <-chan *ssh.Request) {
	for req := range reqs {
		req.Reply(req.Type == "window-change", nil)
	}
}

// execCommand decodes the SSH string carried by exec and subsystem requests.
func execCommand(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	n := binary.BigEndian.Uint32(payload)
	if int(n) > len(payload)-4 {
		return string(payload[4:])
	}
	return string(payload[4 : 4+n])
}

func sendExitStatus(ch ssh.Channel, status uint32) {
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
}
