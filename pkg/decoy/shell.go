package decoy

import (
	"bufio"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
)

const maxLineLength = 8192

// fakeShell answers shell commands with canned output. Nothing is ever
// executed; only cwd is tracked so prompts stay consistent.
type fakeShell struct {
	hostname string
	user     string
	cwd      string
}

func newFakeShell(hostname, user string) *fakeShell {
	if user == "" {
		user = "root"
	}
	return &fakeShell{hostname: hostname, user: user, cwd: "/root"}
}

func (f *fakeShell) prompt() string {
	dir := f.cwd
	if dir == "/root" {
		dir = "~"
	}
	return fmt.Sprintf("%s@%s:%s# ", f.user, f.hostname, dir)
}

func (f *fakeShell) motd() string {
	return "Welcome to Ubuntu 22.04.3 LTS (GNU/Linux 5.15.0-91-generic x86_64)\n\n" +
		" * Documentation:  https://help.ubuntu.com\n" +
		" * Management:     https://landscape.canonical.com\n\n" +
		"Last login: Mon Oct 14 08:12:44 2024 from 10.20.0.14\n"
}

var segmentSplit = regexp.MustCompile(`\s*(?:;|&&|\|\|)\s*`)

// run returns the output for a command line and whether the attacker
// asked to leave.
func (f *fakeShell) run(line string) (string, bool) {
	var out []string
	for _, seg := range segmentSplit.Split(strings.TrimSpace(line), -1) {
		// Only the head of a pipeline produces visible output.
		if i := strings.Index(seg, "|"); i >= 0 {
			seg = seg[:i]
		}
		fields := strings.Fields(seg)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "sudo" && len(fields) > 1 {
			fields = fields[1:]
		}
		o, exit := f.exec(fields[0], fields[1:])
		if o != "" {
			out = append(out, o)
		}
		if exit {
			return strings.Join(out, "\n"), true
		}
	}
	return strings.Join(out, "\n"), false
}

func (f *fakeShell) exec(name string, args []string) (string, bool) {
	switch path.Base(name) {
	case "exit", "logout", "quit":
		return "", true
	case "whoami":
		return f.user, false
	case "id":
		return "uid=0(root) gid=0(root) groups=0(root)", false
	case "hostname":
		return f.hostname, false
	case "uname":
		if hasFlag(args, "a") {
			return fmt.Sprintf("Linux %s 5.15.0-91-generic #101-Ubuntu SMP Tue Nov 14 13:30:08 UTC 2023 x86_64 x86_64 x86_64 GNU/Linux", f.hostname), false
		}
		return "Linux", false
	case "pwd":
		return f.cwd, false
	case "cd":
		f.cd(args)
		return "", false
	case "ls":
		if f.cwd == "/root" {
			return "backup_2024.sql  deploy.sh  notes.txt", false
		}
		return "", false
	case "cat":
		return f.cat(args), false
	case "echo":
		return strings.Trim(strings.Join(args, " "), `"'`), false
	case "w", "uptime":
		return " 10:14:02 up 47 days,  3:12,  1 user,  load average: 0.08, 0.03, 0.01", false
	case "nproc":
		return "4", false
	case "free":
		return "               total        used        free      shared  buff/cache   available\n" +
			"Mem:         8141300     1934224     3712044       22844     2495032     5910104\n" +
			"Swap:        2097148           0     2097148", false
	case "df":
		return "Filesystem     1K-blocks    Used Available Use% Mounted on\n" +
			"/dev/sda1       81106868 21457420  59632064  27% /", false
	case "ps":
		return "  PID TTY          TIME CMD\n" +
			"    1 ?        00:00:04 systemd\n" +
			"  812 ?        00:01:37 mysqld\n" +
			" 1043 ?        00:00:12 sshd\n" +
			" 2291 pts/0    00:00:00 bash", false
	case "ifconfig", "ip":
		return "eth0: flags=4163<UP,BROADCAST,RUNNING,MULTICAST>  mtu 1500\n" +
			"        inet 10.20.0.37  netmask 255.255.255.0  broadcast 10.20.0.255", false
	case "wget", "curl":
		return fmt.Sprintf("%s: unable to resolve host address", name), false
	case "export", "unset", "history", "mkdir", "rm", "touch", "chmod", "chown", "cp", "mv", "kill", "pkill", "clear", "crontab":
		return "", false
	default:
		return fmt.Sprintf("-bash: %s: command not found", name), false
	}
}

func (f *fakeShell) cd(args []string) {
	if len(args) == 0 || args[0] == "~" {
		f.cwd = "/root"
		return
	}
	dir := args[0]
	if !path.IsAbs(dir) {
		dir = path.Join(f.cwd, dir)
	}
	f.cwd = path.Clean(dir)
}

var fakeFiles = map[string]string{
	"/etc/passwd": "root:x:0:0:root:/root:/bin/bash\n" +
		"daemon:x:1:1:daemon:/usr/sbin:/usr/sbin/nologin\n" +
		"www-data:x:33:33:www-data:/var/www:/usr/sbin/nologin\n" +
		"mysql:x:112:117:MySQL Server,,,:/nonexistent:/bin/false\n" +
		"deploy:x:1000:1000:deploy,,,:/home/deploy:/bin/bash",
	"/etc/hostname":   "",
	"/etc/os-release": "PRETTY_NAME=\"Ubuntu 22.04.3 LTS\"\nNAME=\"Ubuntu\"\nVERSION_ID=\"22.04\"\nID=ubuntu",
	"/proc/cpuinfo":   "processor\t: 0\nvendor_id\t: GenuineIntel\nmodel name\t: Intel(R) Xeon(R) CPU E5-2686 v4 @ 2.30GHz\ncpu cores\t: 4",
	"/etc/issue":      "Ubuntu 22.04.3 LTS \\n \\l",
}

func (f *fakeShell) cat(args []string) string {
	var out []string
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		p := a
		if !path.IsAbs(p) {
			p = path.Join(f.cwd, p)
		}
		if p == "/etc/hostname" {
			out = append(out, f.hostname)
			continue
		}
		if content, ok := fakeFiles[p]; ok {
			out = append(out, content)
			continue
		}
		out = append(out, fmt.Sprintf("cat: %s: No such file or directory", a))
	}
	return strings.Join(out, "\n")
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "--") && strings.Contains(a, flag) {
			return true
		}
	}
	return false
}

// readLine reads one line, dropping bytes beyond limit and trailing CR.
func readLine(r *bufio.Reader, limit int) (string, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && len(buf) > 0 {
				return strings.TrimRight(string(buf), "\r\x00"), nil
			}
			return "", err
		}
		if b == '\n' {
			break
		}
		if len(buf) < limit {
			buf = append(buf, b)
		}
	}
	return strings.TrimRight(string(buf), "\r\x00"), nil
}

func crlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}
