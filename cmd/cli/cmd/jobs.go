package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent jobs",
	Long: `List recent jobs, newest first.

Example:
  stagectl jobs
  stagectl jobs --status failed
  stagectl jobs --kind clone --limit 10`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		status, _ := flags.GetString("status")
		kind, _ := flags.GetString("kind")
		limit, _ := flags.GetInt("limit")

		url := viper.GetString("url")
		token := viper.GetString("token")

		if token == "" {
			cmd.Println("API key not found. Please set it using the --token flag or the STAGEPOOL_TOKEN environment variable")
			return
		}

		client := NewStageClient(url, token)
		jobs, err := client.ListJobs(status, kind, limit)
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Request failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Request failed: %v\n", err)
			}
			return
		}

		if len(jobs) == 0 {
			cmd.Println("No jobs found.")
			return
		}

		cmd.Printf("%s%-38s %-9s %-11s %-9s %s%s\n", colorBold, "ID", "KIND", "STATUS", "PROGRESS", "CREATED", colorReset)
		for _, job := range jobs {
			cmd.Printf("%-38s %-9s %-11s %7d%%  %s ago\n",
				job.JobID, job.Kind, colorizeStatus(job.Status), job.Progress, relativeTime(job.CreatedAt))
		}
	},
}

func init() {
	flags := jobsCmd.Flags()
	flags.String("status", "", "Filter by status (pending, running, completed, failed, cancelled)")
	flags.String("kind", "", "Filter by kind (clone, restore, delete)")
	flags.Int("limit", 20, "Maximum number of jobs to list")

	rootCmd.AddCommand(jobsCmd)
}
