package runbook

// builtins returns the recipes every agent ships with. The library dir
// can add to these but never replace an id; local files shadowing a
// builtin are skipped at load.
func builtins() []*Runbook {
	return []*Runbook{
		{
			ID:          "service_start_generic",
			Name:        "Start stopped service",
			Version:     "1.2.0",
			Description: "Starts a stopped service and verifies it stays up.",
			Match: MatchSpec{
				Categories: []string{"service", "services"},
				Metrics:    []string{"state", "service_status"},
			},
			Steps: []Step{
				{Kind: StepServiceControl, Action: "start", Params: map[string]any{"service_name": "{{service_name}}"}, TimeoutSeconds: 60},
			},
			Verification: []Step{
				{Kind: StepQuery, Action: "service-status", Params: map[string]any{"service_name": "{{service_name}}"}, TimeoutSeconds: 30},
			},
			EstimatedDurationSec: 90,
			UserImpact:           "none",
			Source:               "builtin",
		},
		{
			ID:          "service_restart_generic",
			Name:        "Restart degraded service",
			Version:     "1.1.0",
			Description: "Restarts a service that is running but unhealthy.",
			Match: MatchSpec{
				Categories: []string{"service", "services"},
				Metrics:    []string{"health", "hang"},
			},
			Steps: []Step{
				{Kind: StepServiceControl, Action: "restart", Params: map[string]any{"service_name": "{{service_name}}"}, TimeoutSeconds: 120},
			},
			Verification: []Step{
				{Kind: StepQuery, Action: "service-status", Params: map[string]any{"service_name": "{{service_name}}"}, TimeoutSeconds: 30},
			},
			EstimatedDurationSec: 150,
			UserImpact:           "low",
			Source:               "builtin",
		},
		{
			ID:          "disk_cleanup_windows_update",
			Name:        "Clear Windows Update download cache",
			Version:     "2.0.1",
			Description: "Frees disk space by purging the update download cache.",
			RiskClass:   ClassB, // deletes cached payloads; a human signs off
			Match: MatchSpec{
				Categories: []string{"disk", "storage"},
				Metrics:    []string{"free_percent", "disk_free"},
			},
			Steps: []Step{
				{Kind: StepServiceControl, Action: "stop", Params: map[string]any{"service_name": "wuauserv"}, TimeoutSeconds: 60},
				{Kind: StepFileOp, Action: "delete-contents", Params: map[string]any{"path": `C:\Windows\SoftwareDistribution\Download`}, TimeoutSeconds: 300, RollbackOnFailure: false},
				{Kind: StepServiceControl, Action: "start", Params: map[string]any{"service_name": "wuauserv"}, TimeoutSeconds: 60},
			},
			Verification: []Step{
				{Kind: StepQuery, Action: "disk-free", Params: map[string]any{"drive": "{{drive}}"}, TimeoutSeconds: 30},
			},
			EstimatedDurationSec: 420,
			UserImpact:           "low",
			Source:               "builtin",
		},
		{
			ID:          "temp_files_cleanup",
			Name:        "Clear temp directories",
			Version:     "1.0.3",
			Description: "Empties the machine temp directories to reclaim space.",
			Match: MatchSpec{
				Categories: []string{"disk", "storage"},
				Metrics:    []string{"free_percent", "disk_free"},
			},
			Steps: []Step{
				{Kind: StepFileOp, Action: "delete-contents", Params: map[string]any{"path": `C:\Windows\Temp`}, TimeoutSeconds: 180, AllowFailure: true},
				{Kind: StepFileOp, Action: "delete-contents", Params: map[string]any{"path": `{{user_temp}}`}, TimeoutSeconds: 180, AllowFailure: true},
			},
			Verification: []Step{
				{Kind: StepQuery, Action: "disk-free", Params: map[string]any{"drive": "{{drive}}"}, TimeoutSeconds: 30},
			},
			EstimatedDurationSec: 240,
			UserImpact:           "none",
			Source:               "builtin",
		},
		{
			ID:          "dns_flush",
			Name:        "Flush DNS resolver cache",
			Version:     "1.0.0",
			Description: "Clears the local DNS cache after resolution failures.",
			Match: MatchSpec{
				Categories: []string{"network"},
				Metrics:    []string{"dns", "resolution"},
			},
			Steps: []Step{
				{Kind: StepShell, Action: "ipconfig /flushdns", TimeoutSeconds: 30},
			},
			Verification: []Step{
				{Kind: StepQuery, Action: "dns-resolve", Params: map[string]any{"host": "{{probe_host}}"}, TimeoutSeconds: 15},
			},
			EstimatedDurationSec: 45,
			UserImpact:           "none",
			Source:               "builtin",
		},
		{
			ID:          "print_spooler_reset",
			Name:        "Reset print spooler",
			Version:     "1.3.0",
			Description: "Stops the spooler, clears stuck jobs, starts it again.",
			Match: MatchSpec{
				Categories: []string{"service", "services"},
				Metrics:    []string{"state", "service_status"},
				Targets:    []string{"Spooler"},
			},
			Steps: []Step{
				{Kind: StepServiceControl, Action: "stop", Params: map[string]any{"service_name": "Spooler"}, TimeoutSeconds: 60},
				{Kind: StepFileOp, Action: "delete-contents", Params: map[string]any{"path": `C:\Windows\System32\spool\PRINTERS`}, TimeoutSeconds: 60, AllowFailure: true},
				{Kind: StepServiceControl, Action: "start", Params: map[string]any{"service_name": "Spooler"}, TimeoutSeconds: 60},
			},
			Verification: []Step{
				{Kind: StepQuery, Action: "service-status", Params: map[string]any{"service_name": "Spooler"}, TimeoutSeconds: 30},
			},
			EstimatedDurationSec: 180,
			UserImpact:           "low",
			Source:               "builtin",
		},
	}
}
