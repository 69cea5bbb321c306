// Package diag gathers diagnostic context for escalations. Only
// whitelisted read-only probes run, chosen by signal category, all
// under one umbrella timeout so a hung command cannot stall the
// escalation path.
package diag

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/logging"
)

// umbrellaTimeout bounds the whole bundle, not individual probes.
const umbrellaTimeout = 15 * time.Second

// Runner executes one probe script and returns its combined output.
type Runner func(ctx context.Context, script string) (string, error)

type probe struct {
	name    string
	windows string
	unix    string
}

func (p probe) script() string {
	if runtime.GOOS == "windows" {
		return p.windows
	}
	return p.unix
}

// probes maps a signal category to its whitelisted read-only probes.
var probes = map[string][]probe{
	"service": {
		{
			name:    "stopped_services",
			windows: `Get-Service | Where-Object {$_.Status -ne 'Running'} | Select-Object -First 25 Name,Status,StartType | Format-Table -AutoSize | Out-String`,
			unix:    `systemctl list-units --state=failed --no-pager --no-legend | head -25`,
		},
		{
			name:    "recent_system_events",
			windows: `Get-WinEvent -LogName System -MaxEvents 15 | Select-Object TimeCreated,Id,LevelDisplayName,ProviderName | Format-Table -AutoSize | Out-String`,
			unix:    `journalctl -p warning -n 15 --no-pager`,
		},
	},
	"process": {
		{
			name:    "top_processes",
			windows: `Get-Process | Sort-Object WorkingSet64 -Descending | Select-Object -First 15 Name,Id,CPU,@{n='MemMB';e={[math]::Round($_.WorkingSet64/1MB,1)}} | Format-Table -AutoSize | Out-String`,
			unix:    `ps aux --sort=-%mem | head -16`,
		},
	},
	"disk": {
		{
			name:    "disk_usage",
			windows: `Get-PSDrive -PSProvider FileSystem | Select-Object Name,@{n='UsedGB';e={[math]::Round($_.Used/1GB,1)}},@{n='FreeGB';e={[math]::Round($_.Free/1GB,1)}} | Format-Table -AutoSize | Out-String`,
			unix:    `df -h -x tmpfs -x devtmpfs`,
		},
		{
			name:    "largest_temp_files",
			windows: `Get-ChildItem $env:TEMP -File -ErrorAction SilentlyContinue | Sort-Object Length -Descending | Select-Object -First 10 Name,@{n='MB';e={[math]::Round($_.Length/1MB,1)}} | Format-Table -AutoSize | Out-String`,
			unix:    `du -sh /tmp/* 2>/dev/null | sort -rh | head -10`,
		},
	},
	"metric": {
		{
			name:    "top_processes",
			windows: `Get-Process | Sort-Object CPU -Descending | Select-Object -First 15 Name,Id,CPU,@{n='MemMB';e={[math]::Round($_.WorkingSet64/1MB,1)}} | Format-Table -AutoSize | Out-String`,
			unix:    `ps aux --sort=-%cpu | head -16`,
		},
		{
			name:    "memory_summary",
			windows: `Get-CimInstance Win32_OperatingSystem | Select-Object TotalVisibleMemorySize,FreePhysicalMemory | Format-List | Out-String`,
			unix:    `free -m`,
		},
	},
	"event": {
		{
			name:    "recent_error_events",
			windows: `Get-WinEvent -LogName System -MaxEvents 20 | Where-Object {$_.Level -le 3} | Select-Object TimeCreated,Id,LevelDisplayName,ProviderName | Format-Table -AutoSize | Out-String`,
			unix:    `journalctl -p err -n 20 --no-pager`,
		},
	},
	"network": {
		{
			name:    "adapter_state",
			windows: `Get-NetAdapter | Select-Object Name,Status,LinkSpeed | Format-Table -AutoSize | Out-String`,
			unix:    `ip -brief addr`,
		},
		{
			name:    "dns_resolution",
			windows: `Resolve-DnsName example.com -Type A -ErrorAction SilentlyContinue | Select-Object Name,IPAddress | Format-Table -AutoSize | Out-String`,
			unix:    `getent hosts example.com`,
		},
	},
}

// flap signals reuse the probes of the flapping resource's kind.
func init() { probes["flap"] = probes["service"] }

// Categories lists every category with probes, for forced collection.
func Categories() []string {
	return []string{"service", "process", "disk", "metric", "event", "network"}
}

// Collector runs diagnostic probes.
type Collector struct {
	run Runner
	log zerolog.Logger
}

// NewCollector returns a collector using the given runner, or the
// platform shell runner when nil.
func NewCollector(run Runner) *Collector {
	if run == nil {
		run = shellRunner
	}
	return &Collector{run: run, log: logging.WithComponent("diag")}
}

// Collect runs the whitelisted probes for the given categories and
// returns the bundle. Probe failures become part of the bundle rather
// than aborting it; once the umbrella timeout expires the remaining
// probes are skipped.
func (c *Collector) Collect(ctx context.Context, categories ...string) map[string]any {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, umbrellaTimeout)
	defer cancel()

	bundle := map[string]any{}
	seen := map[string]bool{}
	for _, cat := range categories {
		for _, p := range probes[cat] {
			if seen[p.name] {
				continue
			}
			seen[p.name] = true

			if ctx.Err() != nil {
				bundle[p.name] = "skipped: diagnostic timeout"
				continue
			}
			out, err := c.run(ctx, p.script())
			if err != nil {
				bundle[p.name] = fmt.Sprintf("probe failed: %v", err)
				continue
			}
			bundle[p.name] = strings.TrimSpace(out)
		}
	}
	bundle["collected_in_ms"] = time.Since(start).Milliseconds()
	c.log.Debug().
		Strs("categories", categories).
		Int("probes", len(seen)).
		Msg("diagnostics collected")
	return bundle
}

// shellRunner executes a probe through the platform shell. PowerShell
// scripts run with -ErrorAction Stop so script errors surface as
// non-zero exits.
func shellRunner(ctx context.Context, script string) (string, error) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		wrapped := "$ErrorActionPreference='Stop'; " + script
		cmd = exec.CommandContext(ctx, "powershell.exe", "-NoProfile", "-NonInteractive", "-Command", wrapped)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", script)
	}
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
