// Package detection provides the technique tagging rules and the attacker
// classifiers (skill, intent, tooling) used across the decoy pipeline.
package detection

import (
	"regexp"
	"sort"

	"github.com/invisible-tech/honeytrap-sensor/internal/types"
)

// TechniqueBruteForce is tagged once a session reaches BruteForceThreshold
// credential attempts.
const TechniqueBruteForce = "T1110"

// BruteForceThreshold is the number of credential attempts in one session
// that counts as guessing rather than a single login.
const BruteForceThreshold = 2

// cmdStart anchors a pattern to the start of a shell command, including
// commands chained with ; && || | or wrapped in $(...).
const cmdStart = `(?:^|[;&|]\s*|\$\(\s*|` + "`" + `\s*)(?:sudo\s+)?`

// Rule maps input text seen by a decoy to a MITRE ATT&CK technique.
type Rule struct {
	ID          string
	Name        string
	MitreTactic string
	MitreID     string
	// Services limits the rule to some protocols; empty means all.
	Services []types.ServiceType
	Pattern  *regexp.Regexp
}

// Match is a rule hit for a single input.
type Match struct {
	RuleID      string
	RuleName    string
	MitreTactic string
	MitreID     string
}

// Engine evaluates captured commands and requests against the rule set.
// It is read-only after construction and safe for concurrent use.
type Engine struct {
	rules []*Rule
}

// NewEngine creates a detection engine with the default rule set.
func NewEngine() *Engine {
	return &Engine{rules: defaultRules()}
}

// Rules returns the loaded rules (read-only).
func (e *Engine) Rules() []*Rule {
	return e.rules
}

// Evaluate runs every rule that applies to service against input.
func (e *Engine) Evaluate(service types.ServiceType, input string) []Match {
	var matches []Match
	for _, rule := range e.rules {
		if !rule.appliesTo(service) {
			continue
		}
		if rule.Pattern.MatchString(input) {
			matches = append(matches, Match{
				RuleID:      rule.ID,
				RuleName:    rule.Name,
				MitreTactic: rule.MitreTactic,
				MitreID:     rule.MitreID,
			})
		}
	}
	return matches
}

// Techniques returns the sorted, unique technique IDs matched by input.
func (e *Engine) Techniques(service types.ServiceType, input string) []string {
	var ids []string
	for _, m := range e.Evaluate(service, input) {
		ids, _ = types.AddToSet(ids, m.MitreID)
	}
	sort.Strings(ids)
	return ids
}

func (r *Rule) appliesTo(service types.ServiceType) bool {
	if len(r.Services) == 0 {
		return true
	}
	for _, s := range r.Services {
		if s == service {
			return true
		}
	}
	return false
}

func defaultRules() []*Rule {
	shells := []types.ServiceType{types.ServiceSSH, types.ServiceTelnet}
	return []*Rule{
		{
			ID: "TRAP-001", Name: "Credential Dump Access",
			MitreTactic: "Credential Access", MitreID: "T1003",
			Pattern: regexp.MustCompile(`(?i)/etc/shadow|mimikatz|sekurlsa|lsadump|hashdump|lsass|secretsdump|unshadow`),
		},
		{
			ID: "TRAP-002", Name: "Credentials In Files",
			MitreTactic: "Credential Access", MitreID: "T1552.001",
			Pattern: regexp.MustCompile(`(?i)/\.env\b|wp-config\.php|\.aws/credentials|\.git/config|id_rsa|\.htpasswd|\.bash_history|\.docker/config\.json`),
		},
		{
			ID: "TRAP-003", Name: "System Information Discovery",
			MitreTactic: "Discovery", MitreID: "T1082",
			Services: shells,
			Pattern:  regexp.MustCompile(`(?i)` + cmdStart + `(?:uname|hostname|hostnamectl|lscpu|nproc|free|uptime)\b|/proc/cpuinfo|/etc/os-release|/etc/issue`),
		},
		{
			ID: "TRAP-004", Name: "System Owner/User Discovery",
			MitreTactic: "Discovery", MitreID: "T1033",
			Services: shells,
			Pattern:  regexp.MustCompile(`(?i)` + cmdStart + `(?:whoami|id|w|who|last)(?:\s|$)`),
		},
		{
			ID: "TRAP-005", Name: "Process Discovery",
			MitreTactic: "Discovery", MitreID: "T1057",
			Services: shells,
			Pattern:  regexp.MustCompile(`(?i)` + cmdStart + `(?:ps|top|pstree)(?:\s|$)`),
		},
		{
			ID: "TRAP-006", Name: "System Network Connections Discovery",
			MitreTactic: "Discovery", MitreID: "T1049",
			Services: shells,
			Pattern:  regexp.MustCompile(`(?i)` + cmdStart + `(?:netstat|ss|lsof)(?:\s|$)`),
		},
		{
			ID: "TRAP-007", Name: "System Network Configuration Discovery",
			MitreTactic: "Discovery", MitreID: "T1016",
			Services: shells,
			Pattern:  regexp.MustCompile(`(?i)` + cmdStart + `(?:ifconfig|ip\s+(?:a|addr|route|link)|route|arp)(?:\s|$)`),
		},
		{
			ID: "TRAP-008", Name: "File and Directory Discovery",
			MitreTactic: "Discovery", MitreID: "T1083",
			Services: shells,
			Pattern:  regexp.MustCompile(`(?i)` + cmdStart + `(?:ls|find|locate|tree)(?:\s|$)`),
		},
		{
			ID: "TRAP-009", Name: "Account Discovery",
			MitreTactic: "Discovery", MitreID: "T1087",
			Pattern: regexp.MustCompile(`(?i)/etc/passwd|` + cmdStart + `(?:getent|lastlog)(?:\s|$)`),
		},
		{
			ID: "TRAP-010", Name: "Network Service Discovery",
			MitreTactic: "Discovery", MitreID: "T1046",
			Pattern: regexp.MustCompile(`(?i)\b(?:nmap|masscan|zmap|rustscan)\b`),
		},
		{
			ID: "TRAP-011", Name: "Ingress Tool Transfer",
			MitreTactic: "Command and Control", MitreID: "T1105",
			Services: shells,
			Pattern:  regexp.MustCompile(`(?i)` + cmdStart + `(?:wget|curl|tftp|ftpget|busybox\s+wget)\s`),
		},
		{
			ID: "TRAP-012", Name: "Unix Shell Execution",
			MitreTactic: "Execution", MitreID: "T1059.004",
			Pattern: regexp.MustCompile(`(?i)\b(?:ba)?sh\s+-[ic]\b|\|\s*(?:ba)?sh\b|/dev/tcp/`),
		},
		{
			ID: "TRAP-013", Name: "Python Execution",
			MitreTactic: "Execution", MitreID: "T1059.006",
			Pattern: regexp.MustCompile(`(?i)\bpython[23]?(?:\.\d+)?\s+-c\b`),
		},
		{
			ID: "TRAP-014", Name: "Interpreter One-Liner",
			MitreTactic: "Execution", MitreID: "T1059",
			Pattern: regexp.MustCompile(`(?i)\b(?:perl|ruby)\s+-e\b|\bphp\s+-r\b`),
		},
		{
			ID: "TRAP-015", Name: "Deobfuscate/Decode Files or Information",
			MitreTactic: "Defense Evasion", MitreID: "T1140",
			Pattern: regexp.MustCompile(`(?i)base64\s+(?:-d|--decode)|xxd\s+-r|openssl\s+base64\s+-d`),
		},
		{
			ID: "TRAP-016", Name: "Resource Hijacking",
			MitreTactic: "Impact", MitreID: "T1496",
			Pattern: regexp.MustCompile(`(?i)xmrig|minerd|cpuminer|stratum\+tcp|nicehash|cryptonight|xmr-stak|kdevtmpfsi|kinsing`),
		},
		{
			ID: "TRAP-017", Name: "Data Encrypted for Impact",
			MitreTactic: "Impact", MitreID: "T1486",
			Pattern: regexp.MustCompile(`(?i)openssl\s+enc\b|gpg\s+(?:-c|--symmetric)|ransom|\.encrypted\b|\.locked\b|lockbit|wannacry|ryuk|\bconti\b`),
		},
		{
			ID: "TRAP-018", Name: "Archive via Utility",
			MitreTactic: "Collection", MitreID: "T1560.001",
			Services: shells,
			Pattern:  regexp.MustCompile(`(?i)` + cmdStart + `(?:tar\s+-?[a-z]*[czj][a-z]*f|zip\s+-r|7z\s+a|rar\s+a)\b`),
		},
		{
			ID: "TRAP-019", Name: "Exfiltration Over Alternative Protocol",
			MitreTactic: "Exfiltration", MitreID: "T1048",
			Pattern: regexp.MustCompile(`(?i)` + cmdStart + `(?:scp|rsync)\s|curl\s.*(?:-T\s|--upload-file|-F\s)|\bnc\s.*<|mysqldump|pg_dump`),
		},
		{
			ID: "TRAP-020", Name: "Remote Services: SSH",
			MitreTactic: "Lateral Movement", MitreID: "T1021.004",
			Services: shells,
			Pattern:  regexp.MustCompile(`(?i)` + cmdStart + `(?:ssh|sshpass)\s`),
		},
		{
			ID: "TRAP-021", Name: "Remote Services: SMB/Windows Admin Shares",
			MitreTactic: "Lateral Movement", MitreID: "T1021.002",
			Pattern: regexp.MustCompile(`(?i)psexec|smbexec|wmiexec|smbclient|wmic\s+/node`),
		},
		{
			ID: "TRAP-022", Name: "Scheduled Task/Job: Cron",
			MitreTactic: "Persistence", MitreID: "T1053.003",
			Services: shells,
			Pattern:  regexp.MustCompile(`(?i)crontab|/etc/cron`),
		},
		{
			ID: "TRAP-023", Name: "Account Manipulation: SSH Authorized Keys",
			MitreTactic: "Persistence", MitreID: "T1098.004",
			Pattern: regexp.MustCompile(`(?i)authorized_keys`),
		},
		{
			ID: "TRAP-024", Name: "Clear Command History",
			MitreTactic: "Defense Evasion", MitreID: "T1070.003",
			Services: shells,
			Pattern:  regexp.MustCompile(`(?i)history\s+-c|unset\s+HISTFILE|HISTFILE=/dev/null|rm\s.*\.bash_history`),
		},
		{
			ID: "TRAP-025", Name: "File Permissions Modification",
			MitreTactic: "Defense Evasion", MitreID: "T1222.002",
			Services: shells,
			Pattern:  regexp.MustCompile(`(?i)chmod\s+(?:\+x|[0-7]?7[0-7]{2})\b`),
		},
		{
			ID: "TRAP-026", Name: "Web Exploitation Attempt",
			MitreTactic: "Initial Access", MitreID: "T1190",
			Services: []types.ServiceType{types.ServiceHTTP},
			Pattern:  regexp.MustCompile(`(?i)union(?:\s|\+|%20)+select|'(?:\s|\+|%20)*or(?:\s|\+|%20)+'?1'?=|\.\./\.\./|%2e%2e%2f|\$\{jndi:|\(\)\s*\{\s*:;\s*\}|eval-stdin\.php|[;|` + "`" + `](?:\s|%20)*(?:wget|curl|id|uname|cat)\b|/cgi-bin/.*(?:%0a|;)|<script`),
		},
		{
			ID: "TRAP-027", Name: "Datastore Exploitation Attempt",
			MitreTactic: "Initial Access", MitreID: "T1190",
			Services: []types.ServiceType{types.ServiceRedis, types.ServiceMySQL},
			Pattern:  regexp.MustCompile(`(?i)config\s+set\s+(?:dir|dbfilename)|slaveof|replicaof|module\s+load|\beval\s|into\s+outfile|load_file\(`),
		},
		{
			ID: "TRAP-028", Name: "Active Scanning: Wordlist Scanning",
			MitreTactic: "Reconnaissance", MitreID: "T1595.003",
			Services: []types.ServiceType{types.ServiceHTTP},
			Pattern:  regexp.MustCompile(`(?i)/\.env\b|/wp-login\.php|/wp-admin|/phpmyadmin|/administrator|/manager/html|/\.git/|/actuator|/server-status|/solr/|/boaform`),
		},
	}
}
