package playbook

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// StepRunner is the capability surface steps execute against. The
// default implementation shells out; tests substitute fakes.
type StepRunner interface {
	RunShell(ctx context.Context, command string) (string, error)
	ControlService(ctx context.Context, action, service string) (string, error)
	FileOp(ctx context.Context, action string, params map[string]string) (string, error)
	RegistryOp(ctx context.Context, action string, params map[string]string) (string, error)
	Query(ctx context.Context, action string, params map[string]string) (string, error)
	Reboot(ctx context.Context, delaySeconds int, reason string) error
}

// shellRunner executes steps through the platform shell.
type shellStepRunner struct{}

// NewShellRunner returns the platform-backed runner.
func NewShellRunner() StepRunner { return shellStepRunner{} }

func runShell(ctx context.Context, command string) (string, error) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		wrapped := "$ErrorActionPreference='Stop'; " + command
		cmd = exec.CommandContext(ctx, "powershell.exe", "-NoProfile", "-NonInteractive", "-Command", wrapped)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, fmt.Errorf("%v: %s", err, text)
	}
	return text, nil
}

func (shellStepRunner) RunShell(ctx context.Context, command string) (string, error) {
	return runShell(ctx, command)
}

func (shellStepRunner) ControlService(ctx context.Context, action, service string) (string, error) {
	act := strings.ToLower(strings.TrimSpace(action))
	if runtime.GOOS == "windows" {
		var script string
		switch act {
		case "start", "start-service":
			script = "Start-Service -Name " + quoteArg(service)
		case "stop", "stop-service":
			script = "Stop-Service -Name " + quoteArg(service) + " -Force"
		case "restart", "restart-service":
			script = "Restart-Service -Name " + quoteArg(service) + " -Force"
		case "enable":
			script = "Set-Service -Name " + quoteArg(service) + " -StartupType Automatic"
		case "disable":
			script = "Set-Service -Name " + quoteArg(service) + " -StartupType Disabled"
		case "query", "status":
			script = "(Get-Service -Name " + quoteArg(service) + ").Status"
		default:
			return "", fmt.Errorf("unknown service action %q", action)
		}
		return runShell(ctx, script)
	}

	switch act {
	case "start", "start-service", "stop", "stop-service", "restart", "restart-service", "enable", "disable":
		verb := strings.TrimSuffix(act, "-service")
		return runShell(ctx, "systemctl "+verb+" "+quoteArg(service))
	case "query", "status":
		return runShell(ctx, "systemctl is-active "+quoteArg(service))
	default:
		return "", fmt.Errorf("unknown service action %q", action)
	}
}

// forbiddenRoots are paths no file op may target directly.
var forbiddenRoots = map[string]bool{
	"/":                   true,
	"/etc":                true,
	"/usr":                true,
	"/var":                true,
	`c:\`:                 true,
	`c:\windows`:          true,
	`c:\windows\system32`: true,
}

func guardPath(path string) error {
	if path == "" {
		return fmt.Errorf("file op has no path")
	}
	cleaned := strings.ToLower(filepath.Clean(path))
	cleaned = strings.TrimSuffix(cleaned, string(filepath.Separator))
	if cleaned == "" {
		cleaned = "/"
	}
	if forbiddenRoots[cleaned] || forbiddenRoots[cleaned+`\`] {
		return fmt.Errorf("refusing file op on %s", path)
	}
	return nil
}

func (shellStepRunner) FileOp(ctx context.Context, action string, params map[string]string) (string, error) {
	path := firstNonEmpty(params["path"], params["target"], params["dir"])
	if err := guardPath(path); err != nil {
		return "", err
	}
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "delete-contents":
		entries, err := os.ReadDir(path)
		if err != nil {
			return "", err
		}
		removed := 0
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(path, e.Name())); err == nil {
				removed++
			}
		}
		return fmt.Sprintf("removed %d entries from %s", removed, path), nil
	case "delete":
		if err := os.RemoveAll(path); err != nil {
			return "", err
		}
		return "deleted " + path, nil
	case "create-dir":
		if err := os.MkdirAll(path, 0755); err != nil {
			return "", err
		}
		return "created " + path, nil
	default:
		return "", fmt.Errorf("unknown file action %q", action)
	}
}

func (shellStepRunner) RegistryOp(ctx context.Context, action string, params map[string]string) (string, error) {
	if runtime.GOOS != "windows" {
		return "", fmt.Errorf("registry ops unsupported on %s", runtime.GOOS)
	}
	key := params["key"]
	name := params["name"]
	if key == "" {
		return "", fmt.Errorf("registry op has no key")
	}
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "query", "read", "get":
		script := "Get-ItemProperty -Path " + quoteArg(key)
		if name != "" {
			script += " -Name " + quoteArg(name)
		}
		return runShell(ctx, script)
	case "set", "write":
		value := params["value"]
		if name == "" {
			return "", fmt.Errorf("registry set has no value name")
		}
		script := "Set-ItemProperty -Path " + quoteArg(key) + " -Name " + quoteArg(name) + " -Value " + quoteArg(value)
		return runShell(ctx, script)
	default:
		return "", fmt.Errorf("unknown registry action %q", action)
	}
}

func (r shellStepRunner) Query(ctx context.Context, action string, params map[string]string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "service-status", "query-service", "query-service-status":
		svc := firstNonEmpty(params["service_name"], params["service"], params["name"])
		if svc == "" {
			return "", fmt.Errorf("service query has no service name")
		}
		return r.ControlService(ctx, "query", svc)
	case "disk-free":
		if runtime.GOOS == "windows" {
			return runShell(ctx, `Get-PSDrive -PSProvider FileSystem | Format-Table -AutoSize | Out-String`)
		}
		return runShell(ctx, "df -h")
	case "process-running":
		name := firstNonEmpty(params["process"], params["name"])
		if name == "" {
			return "", fmt.Errorf("process query has no name")
		}
		if runtime.GOOS == "windows" {
			return runShell(ctx, "Get-Process -Name "+quoteArg(strings.TrimSuffix(name, ".exe"))+" -ErrorAction Stop | Select-Object -First 1 Id")
		}
		return runShell(ctx, "pgrep -x "+quoteArg(name))
	case "dns-resolve":
		host := firstNonEmpty(params["host"], params["name"])
		if host == "" {
			return "", fmt.Errorf("dns query has no host")
		}
		if runtime.GOOS == "windows" {
			return runShell(ctx, "Resolve-DnsName "+quoteArg(host)+" -Type A | Select-Object -First 1 IPAddress")
		}
		return runShell(ctx, "getent hosts "+quoteArg(host))
	case "file-exists":
		path := firstNonEmpty(params["path"], params["target"])
		if _, err := os.Stat(path); err != nil {
			return "", err
		}
		return "exists: " + path, nil
	default:
		return "", fmt.Errorf("unknown query action %q", action)
	}
}

func (shellStepRunner) Reboot(ctx context.Context, delaySeconds int, reason string) error {
	var command string
	if runtime.GOOS == "windows" {
		command = fmt.Sprintf("shutdown /r /t %d", delaySeconds)
		if reason != "" {
			command += " /c " + quoteArg(reason)
		}
	} else {
		command = fmt.Sprintf("shutdown -r +%d", delaySeconds/60)
	}
	_, err := runShell(ctx, command)
	return err
}

// dryRunner describes what would happen without doing it.
type dryRunner struct{}

func (dryRunner) RunShell(_ context.Context, command string) (string, error) {
	return "dry-run: would run " + command, nil
}

func (dryRunner) ControlService(_ context.Context, action, service string) (string, error) {
	return fmt.Sprintf("dry-run: would %s service %s", action, service), nil
}

func (dryRunner) FileOp(_ context.Context, action string, params map[string]string) (string, error) {
	return fmt.Sprintf("dry-run: would %s %s", action, params["path"]), nil
}

func (dryRunner) RegistryOp(_ context.Context, action string, params map[string]string) (string, error) {
	return fmt.Sprintf("dry-run: would %s %s", action, params["key"]), nil
}

func (dryRunner) Query(_ context.Context, action string, params map[string]string) (string, error) {
	return "dry-run: query " + action, nil
}

func (dryRunner) Reboot(_ context.Context, delaySeconds int, _ string) error {
	return nil
}
