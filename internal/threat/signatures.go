package threat

import (
	"regexp"
	"strings"
)

func re(name, expr string, confidence float64) signature {
	return signature{name: name, re: regexp.MustCompile(expr), confidence: confidence}
}

func builtinFamilies() []family {
	return []family{
		{name: SQLInjection, signatures: []signature{
			re("union_select", `(?i)\bunion\b[\s\S]*\bselect\b`, 0.95),
			re("tautology", `(?i)['"]\s*(or|and)\s+['"\w]+\s*=`, 0.9),
			re("stacked_query", `(?i);\s*(drop|select|insert|delete|update|truncate|shutdown|exec)\b`, 0.95),
			re("ddl_dml", `(?i)\b(drop\s+(table|database)|insert\s+into|delete\s+from|alter\s+table|truncate\s+table)\b`, 0.9),
			re("select_from", `(?i)\bselect\b[\s\S]+\bfrom\b`, 0.8),
			re("comment_terminator", `(?:'|")\s*(--|#|/\*)`, 0.85),
			re("time_based", `(?i)\b(sleep|benchmark|pg_sleep)\s*\(|\bwaitfor\s+delay\b`, 0.9),
		}},
		{name: XSS, signatures: []signature{
			re("script_tag", `(?i)<\s*script\b`, 0.95),
			re("js_uri", `(?i)\b(javascript|vbscript)\s*:`, 0.9),
			re("event_handler", `(?i)\bon(load|error|click|mouseover|focus|submit|blur)\s*=`, 0.85),
			re("embed_tag", `(?i)<\s*(iframe|object|embed|svg|img)\b`, 0.75),
			re("dom_access", `(?i)\bdocument\s*\.\s*(cookie|location|write)\b`, 0.8),
			re("data_uri", `(?i)data:text/html`, 0.8),
		}},
		{name: PathTraversal, signatures: []signature{
			re("dot_dot_slash", `\.\.[/\\]`, 0.85),
			re("encoded_dot_dot", `(?i)%2e%2e(%2f|%5c|/|\\)|%252e%252e|%c0%af|%c1%9c`, 0.9),
			re("sensitive_file", `(?i)(/etc/(passwd|shadow|hosts)|c:\\windows\\|boot\.ini|win\.ini)`, 0.9),
		}},
		{name: CommandInjection, signatures: []signature{
			re("chained_command", `(?i)(;|&&|\|\|?|\n)\s*(cat|ls|rm|wget|curl|bash|sh|nc|ncat|whoami|id|uname|ping|chmod|python|perl|powershell)\b`, 0.9),
			re("subshell", "\\$\\([^)]*\\)|`[^`]+`", 0.9),
			re("env_expansion", `\$\{[^}]*\}`, 0.75),
		}},
		{name: BruteForce, signatures: []signature{
			re("tool_signature", `(?i)\b(hydra|medusa|ncrack|patator|thc-|burp\s*intruder)\b`, 0.8),
			re("common_credential", `(?i)^(password|passw0rd|123456|12345678|123456789|qwerty|letmein|welcome|admin|iloveyou|monkey|abc123)[!1]*$`, 0.6),
			{name: "repeated_character", match: repeatedRun, confidence: 0.6},
			{name: "keyboard_sequence", match: sequentialRun, confidence: 0.6},
		}},
	}
}

// repeatedRun reports a value made of one character repeated six or more times.
func repeatedRun(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) < 6 {
		return false
	}
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}

// sequentialRun reports a value that is a single ascending or descending run
// such as "12345678" or "abcdefgh".
func sequentialRun(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < 6 {
		return false
	}
	step := int(s[1]) - int(s[0])
	if step != 1 && step != -1 {
		return false
	}
	for i := 2; i < len(s); i++ {
		if int(s[i])-int(s[i-1]) != step {
			return false
		}
	}
	return true
}
