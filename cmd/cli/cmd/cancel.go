package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [job_id]",
	Short: "Cancel a pending or running job",
	Long: `Request cancellation of a job. Pending jobs cancel immediately;
running jobs stop at the next safe point in the provisioning flow, and
any partially provisioned environment is destroyed.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		jobID := args[0]

		url := viper.GetString("url")
		token := viper.GetString("token")

		if token == "" {
			cmd.Println("API key not found. Please set it using the --token flag or the STAGEPOOL_TOKEN environment variable")
			return
		}

		client := NewStageClient(url, token)
		status, err := client.CancelJob(jobID)
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Cancel failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Cancel failed: %v\n", err)
			}
			return
		}

		switch status {
		case "cancelled":
			cmd.Printf("✓ Job %s cancelled.\n", jobID)
		case "running":
			cmd.Printf("⏳ Cancellation requested; job %s will stop at the next step.\n", jobID)
		default:
			cmd.Printf("Job %s is %s.\n", jobID, status)
		}
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
