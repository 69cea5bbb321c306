package playbook

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/runbook"
)

// protectedServices are OS components no runbook may stop, disable, or
// delete, whatever the server or a library file says.
var protectedServices = map[string]bool{
	"lsass":       true,
	"winlogon":    true,
	"csrss":       true,
	"smss":        true,
	"wininit":     true,
	"services":    true,
	"rpcss":       true,
	"dcomlaunch":  true,
	"eventlog":    true,
	"termservice": true,
}

// protectedProcesses are process images that must never be killed.
var protectedProcesses = map[string]bool{
	"lsass.exe":    true,
	"csrss.exe":    true,
	"winlogon.exe": true,
	"smss.exe":     true,
	"services.exe": true,
	"wininit.exe":  true,
	"svchost.exe":  true,
	"system":       true,
	"systemd":      true,
	"init":         true,
}

// destructiveActions on a protected resource are blocked; reads and
// restarts are not.
var destructiveActions = map[string]bool{
	"stop":         true,
	"kill":         true,
	"terminate":    true,
	"disable":      true,
	"delete":       true,
	"remove":       true,
	"uninstall":    true,
	"stop-service": true,
	"stop-process": true,
}

// checkProtected rejects destructive operations on protected services
// and processes.
func checkProtected(kind runbook.StepKind, action, target string) error {
	act := strings.ToLower(strings.TrimSpace(action))
	if !destructiveActions[act] {
		return nil
	}
	name := strings.ToLower(strings.TrimSpace(target))
	switch kind {
	case runbook.StepServiceControl:
		if protectedServices[name] {
			return fmt.Errorf("service %q is protected, refusing %s", target, act)
		}
	default:
		if protectedProcesses[name] || protectedServices[name] {
			return fmt.Errorf("%q is protected, refusing %s", target, act)
		}
	}
	return nil
}

// protectedShellPattern catches protected names next to destructive
// verbs inside free-form shell text.
var protectedShellPattern = regexp.MustCompile(
	`(?i)\b(stop-service|stop-process|taskkill|sc\s+stop|sc\s+config|sc\s+delete|systemctl\s+(stop|disable|mask)|kill(all)?)\b.*\b(lsass|winlogon|csrss|smss|wininit|rpcss|dcomlaunch|eventlog|svchost|systemd)\b`)

func checkShellProtected(command string) error {
	if protectedShellPattern.MatchString(command) {
		return fmt.Errorf("shell command touches a protected component: %s", command)
	}
	return nil
}

// permittedCmdlets is the closed set of shell invocations a runbook may
// make. Everything else is rejected at execution time.
var permittedCmdlets = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^get-[a-z]`),
	regexp.MustCompile(`(?i)^test-[a-z]`),
	regexp.MustCompile(`(?i)^(restart|start|stop)-service\b`),
	regexp.MustCompile(`(?i)^set-service\b.*-startuptype\b`),
	regexp.MustCompile(`(?i)^clear-dnsclientcache\b`),
	regexp.MustCompile(`(?i)^clear-recyclebin\b`),
	regexp.MustCompile(`(?i)^remove-item\b.*(\\temp\\|/tmp/|softwaredistribution\\download)`),
	regexp.MustCompile(`(?i)^ipconfig\s+/(flushdns|registerdns|release|renew)\b`),
	regexp.MustCompile(`(?i)^w32tm\s+/resync\b`),
	regexp.MustCompile(`(?i)^sfc\s+/scannow\b`),
	regexp.MustCompile(`(?i)^dism\b.*/restorehealth\b`),
	regexp.MustCompile(`(?i)^netsh\s+winsock\s+reset\b`),
	regexp.MustCompile(`(?i)^chkdsk\b`),
	regexp.MustCompile(`(?i)^cleanmgr\b`),
	regexp.MustCompile(`(?i)^systemctl\s+(restart|start|status)\b`),
	regexp.MustCompile(`(?i)^journalctl\b`),
	regexp.MustCompile(`(?i)^df\b|^du\b|^free\b|^uptime\b`),
}

// englishTranslations maps a small whitelist of plain-English actions
// to their canonical commands. Keys are matched after lowercasing and
// whitespace collapse.
var englishTranslations = map[string]string{
	"flush dns":             "ipconfig /flushdns",
	"flush dns cache":       "ipconfig /flushdns",
	"clear dns cache":       "Clear-DnsClientCache",
	"renew ip address":      "ipconfig /renew",
	"release ip address":    "ipconfig /release",
	"resync time":           "w32tm /resync",
	"restart print spooler": "Restart-Service -Name Spooler",
	"restart spooler":       "Restart-Service -Name Spooler",
	"reset winsock":         "netsh winsock reset",
	"scan system files":     "sfc /scannow",
}

var spaceCollapse = regexp.MustCompile(`\s+`)

// canonicalShell resolves a shell action to its canonical command.
// Plain-English whitelist entries translate; anything else must match
// a permitted cmdlet pattern or is rejected.
func canonicalShell(action string) (string, error) {
	trimmed := strings.TrimSpace(action)
	key := strings.ToLower(spaceCollapse.ReplaceAllString(trimmed, " "))
	if canonical, ok := englishTranslations[key]; ok {
		return canonical, nil
	}
	for _, pat := range permittedCmdlets {
		if pat.MatchString(trimmed) {
			return trimmed, nil
		}
	}
	return "", fmt.Errorf("shell command not on the permitted list: %s", trimmed)
}

// boundedInt parses an integer parameter and enforces a closed range.
func boundedInt(v any, min, max int, name string) (int, error) {
	var n int
	switch t := v.(type) {
	case nil:
		n = 0
	case int:
		n = t
	case int64:
		n = int(t)
	case float64:
		n = int(t)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("%s: not an integer: %q", name, t)
		}
		n = parsed
	default:
		return 0, fmt.Errorf("%s: unsupported type %T", name, v)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("%s: %d outside [%d,%d]", name, n, min, max)
	}
	return n, nil
}

// quoteArg makes a string safe for substitution into a shell context.
// Single quotes survive both PowerShell and POSIX shells; embedded
// quotes are doubled.
func quoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// ignoreInstructionPattern flags playbooks whose name or description is
// really an instruction to stop caring rather than a remediation.
var ignoreInstructionPattern = regexp.MustCompile(
	`(?i)\b(ignore|suppress|no.?action|false.?positive|do.?not.?(alert|remediate|escalate)|safe.?to.?ignore|expected.?behavior)\b`)

func isIgnoreInstruction(rb *runbook.Runbook) bool {
	return ignoreInstructionPattern.MatchString(rb.Name) ||
		ignoreInstructionPattern.MatchString(rb.Description)
}
