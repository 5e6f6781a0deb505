package detection

import (
	"regexp"
	"strings"

	"github.com/invisible-tech/honeytrap-sensor/internal/types"
)

type intentRule struct {
	intent     types.Intent
	pattern    *regexp.Regexp
	techniques []string // matched by prefix, so T1003 covers T1003.008
}

// intentRules are evaluated in order; the first match wins.
var intentRules = []intentRule{
	{
		intent:     types.IntentCredentialHarvesting,
		pattern:    regexp.MustCompile(`(?i)/etc/shadow|mimikatz|sekurlsa|lsadump|hashdump|lsass|secretsdump|unshadow|\.aws/credentials|\.ssh/id_|wp-config\.php|/\.env\b`),
		techniques: []string{"T1003", "T1552", "T1555"},
	},
	{
		intent:     types.IntentCryptomining,
		pattern:    regexp.MustCompile(`(?i)xmrig|minerd|cpuminer|stratum\+tcp|nicehash|cryptonight|xmr-stak|kdevtmpfsi|kinsing|monero`),
		techniques: []string{"T1496"},
	},
	{
		intent:     types.IntentRansomware,
		pattern:    regexp.MustCompile(`(?i)ransom|openssl\s+enc\b|gpg\s+(?:-c|--symmetric)|\.encrypted\b|\.locked\b|lockbit|wannacry|ryuk|\bconti\b|revil|blackcat`),
		techniques: []string{"T1486", "T1490"},
	},
	{
		intent:     types.IntentDataTheft,
		pattern:    regexp.MustCompile(`(?i)` + cmdStart + `(?:tar\s+-?[a-z]*[czj][a-z]*f|zip\s+-r|7z\s+a|scp\s|rsync\s)|curl\s.*(?:-T\s|--upload-file|-F\s)|mysqldump|pg_dump|mongodump`),
		techniques: []string{"T1560", "T1048", "T1041", "T1567"},
	},
	{
		intent:     types.IntentLateralMovement,
		pattern:    regexp.MustCompile(`(?i)` + cmdStart + `(?:ssh|sshpass|xfreerdp|rdesktop|smbclient|evil-winrm)\s|psexec|wmiexec|smbexec|wmic\s+/node`),
		techniques: []string{"T1021", "T1570"},
	},
	{
		intent:     types.IntentReconnaissance,
		pattern:    regexp.MustCompile(`(?i)` + cmdStart + `(?:whoami|id|w|who|last|uname|hostname|hostnamectl|ifconfig|ip|netstat|ss|ps|ls|pwd|lscpu|nproc|free|df|uptime|env|cat\s+/etc/(?:passwd|issue|os-release)|cat\s+/proc/cpuinfo)(?:\s|$)`),
		techniques: []string{"T1082", "T1033", "T1016", "T1049", "T1057", "T1046", "T1083", "T1087", "T1595"},
	},
}

// ClassifyIntent infers a session's goal from its commands and techniques.
// Categories are checked from most to least severe so overlapping input
// resolves deterministically; no commands means unknown.
func ClassifyIntent(commands []string, mitreTechniques []string) types.Intent {
	if len(commands) == 0 {
		return types.IntentUnknown
	}
	for _, rule := range intentRules {
		if rule.matches(commands, mitreTechniques) {
			return rule.intent
		}
	}
	return types.IntentUnknown
}

func (r intentRule) matches(commands, techniques []string) bool {
	for _, t := range techniques {
		for _, prefix := range r.techniques {
			if strings.HasPrefix(t, prefix) {
				return true
			}
		}
	}
	for _, c := range commands {
		if r.pattern.MatchString(c) {
			return true
		}
	}
	return false
}
