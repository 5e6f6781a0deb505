package detection

import (
	"sort"
	"strings"
)

// ToolTier ranks how much sophistication a tool implies.
type ToolTier int

const (
	TierIntermediate ToolTier = iota + 1
	TierAdvanced
	TierAPT
)

// Tool is a known offensive tool and the strings that give it away.
type Tool struct {
	Name       string
	Tier       ToolTier
	Signatures []string
}

var knownTools = []Tool{
	{Name: "nmap", Tier: TierIntermediate, Signatures: []string{"nmap"}},
	{Name: "masscan", Tier: TierIntermediate, Signatures: []string{"masscan"}},
	{Name: "zgrab", Tier: TierIntermediate, Signatures: []string{"zgrab"}},
	{Name: "hydra", Tier: TierIntermediate, Signatures: []string{"hydra"}},
	{Name: "medusa", Tier: TierIntermediate, Signatures: []string{"medusa"}},
	{Name: "ncrack", Tier: TierIntermediate, Signatures: []string{"ncrack"}},
	{Name: "sqlmap", Tier: TierIntermediate, Signatures: []string{"sqlmap"}},
	{Name: "nikto", Tier: TierIntermediate, Signatures: []string{"nikto"}},
	{Name: "wpscan", Tier: TierIntermediate, Signatures: []string{"wpscan"}},
	{Name: "gobuster", Tier: TierIntermediate, Signatures: []string{"gobuster"}},
	{Name: "dirbuster", Tier: TierIntermediate, Signatures: []string{"dirbuster"}},
	{Name: "nuclei", Tier: TierIntermediate, Signatures: []string{"nuclei"}},
	{Name: "metasploit", Tier: TierAdvanced, Signatures: []string{"metasploit", "msfconsole", "msfvenom", "meterpreter"}},
	{Name: "impacket", Tier: TierAdvanced, Signatures: []string{"impacket", "secretsdump", "psexec.py", "wmiexec.py", "smbexec.py"}},
	{Name: "responder", Tier: TierAdvanced, Signatures: []string{"responder.py"}},
	{Name: "mimikatz", Tier: TierAPT, Signatures: []string{"mimikatz", "sekurlsa::", "lsadump::"}},
	{Name: "cobalt_strike", Tier: TierAPT, Signatures: []string{"cobalt strike", "cobaltstrike", "cobalt-strike", "cobalt_strike"}},
	{Name: "bloodhound", Tier: TierAPT, Signatures: []string{"bloodhound", "sharphound"}},
	{Name: "empire", Tier: TierAPT, Signatures: []string{"powershell empire", "invoke-empire"}},
	{Name: "sliver", Tier: TierAPT, Signatures: []string{"sliver-client", "sliver-server"}},
}

// KnownTools returns the tool signature table (read-only).
func KnownTools() []Tool {
	return knownTools
}

// DetectTools matches commands and, when given, HTTP user agents against the
// known tool table. It returns sorted canonical tool names.
func DetectTools(commands []string, userAgents []string) []string {
	found := make(map[string]struct{})
	scan := func(text string) {
		lower := strings.ToLower(text)
		for _, tool := range knownTools {
			if _, ok := found[tool.Name]; ok {
				continue
			}
			for _, sig := range tool.Signatures {
				if strings.Contains(lower, sig) {
					found[tool.Name] = struct{}{}
					break
				}
			}
		}
	}
	for _, c := range commands {
		scan(c)
	}
	for _, ua := range userAgents {
		scan(ua)
	}
	out := make([]string, 0, len(found))
	for name := range found {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LookupTool resolves a tool by canonical name or signature, ignoring case
// and separator differences ("Cobalt Strike", "cobalt-strike").
func LookupTool(name string) (Tool, bool) {
	key := normalizeToolName(name)
	if key == "" {
		return Tool{}, false
	}
	for _, tool := range knownTools {
		if normalizeToolName(tool.Name) == key {
			return tool, true
		}
		for _, sig := range tool.Signatures {
			if normalizeToolName(sig) == key {
				return tool, true
			}
		}
	}
	return Tool{}, false
}

func normalizeToolName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}
