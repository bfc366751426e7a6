package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stagepool/pkg/api"
)

var statusCmd = &cobra.Command{
	Use:   "status [job_id]",
	Short: "Get status of a job",
	Long:  `Retrieve detailed status information for a job, including its current state (pending, running, completed, failed, cancelled), progress, result and timestamps.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		jobID := args[0]

		url := viper.GetString("url")
		token := viper.GetString("token")

		if token == "" {
			cmd.Println("API key not found. Please set it using the --token flag or the STAGEPOOL_TOKEN environment variable")
			return
		}

		client := NewStageClient(url, token)
		job, err := client.GetJob(jobID)
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Request failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Request failed: %v\n", err)
			}
			return
		}

		printStatus(cmd, *job)
	},
}

func printStatus(cmd *cobra.Command, job api.JobResponse) {
	// Header with status icon
	icon := statusIcon(job.Status)
	cmd.Printf("%s %sJob Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, job.JobID)
	cmd.Printf("%sKind:%s        %s\n", colorDim, colorReset, job.Kind)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(job.Status))
	cmd.Printf("%sProgress:%s    %s %d%%\n", colorDim, colorReset, progressBar(job.Progress), job.Progress)

	if job.Error != nil {
		cmd.Printf("%sError:%s       %s[%s]%s %s\n", colorDim, colorReset, colorRed, job.Error.Kind, colorReset, job.Error.Message)
	}

	cmd.Printf("%sCreated:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(&job.CreatedAt))

	if job.CompletedAt != nil {
		duration := job.CompletedAt.Sub(job.CreatedAt)
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(job.CompletedAt),
			colorCyan, formatDuration(duration), colorReset)
	}

	if len(job.Result) > 0 && job.Status == "completed" {
		cmd.Printf("%sResult:%s\n", colorDim, colorReset)
		printResult(cmd, job)
	}
}

// printResult renders the kind-specific result payload.
func printResult(cmd *cobra.Command, job api.JobResponse) {
	switch job.Kind {
	case api.JobKindClone:
		var r api.ProvisionResult
		if err := json.Unmarshal(job.Result, &r); err == nil {
			printProvisionResult(cmd, "  ", r)
			return
		}
	case api.JobKindRestore:
		var r api.RestoreResult
		if err := json.Unmarshal(job.Result, &r); err == nil {
			cmd.Println("  Source environment:")
			printProvisionResult(cmd, "    ", r.Source)
			cmd.Println("  Target environment:")
			printProvisionResult(cmd, "    ", r.Target)
			for _, warning := range r.IntegrityWarnings {
				cmd.Printf("  %s⚠ %s%s\n", colorYellow, warning, colorReset)
			}
			return
		}
	}
	cmd.Printf("  %s\n", string(job.Result))
}

func printProvisionResult(cmd *cobra.Command, indent string, r api.ProvisionResult) {
	cmd.Printf("%sEnvironment: %s\n", indent, r.EnvironmentID)
	if r.PublicURL != "" {
		cmd.Printf("%sURL:         %s%s%s\n", indent, colorCyan, r.PublicURL, colorReset)
	} else {
		cmd.Printf("%sEndpoint:    %s\n", indent, r.Endpoint)
	}
	cmd.Printf("%sLogin:       %s / %s\n", indent, r.AdminUser, r.AdminPassword)
	cmd.Printf("%sExpires:     %s\n", indent, r.ExpiresAt.Format("Mon, 02 Jan 2006 15:04:05 MST"))
	if r.WarmPool {
		cmd.Printf("%sServed from the warm pool\n", indent)
	}
}

func progressBar(progress int) string {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	filled := progress / 10
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", 10-filled) + "]"
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status string) string {
	switch status {
	case "completed":
		return colorGreen + "✓" + colorReset
	case "failed":
		return colorRed + "✗" + colorReset
	case "running":
		return colorYellow + "⏳" + colorReset
	case "pending":
		return colorCyan + "◯" + colorReset
	case "cancelled":
		return colorDim + "⊘" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case "completed":
		return icon + " " + colorGreen + status + colorReset
	case "failed":
		return icon + " " + colorRed + status + colorReset
	case "running":
		return icon + " " + colorYellow + status + colorReset
	case "pending":
		return icon + " " + colorCyan + status + colorReset
	default:
		return icon + " " + status
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
