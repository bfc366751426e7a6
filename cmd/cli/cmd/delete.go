package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stagepool/pkg/api"
)

var deleteCmd = &cobra.Command{
	Use:   "delete [environment_id]",
	Short: "Tear down an environment before its TTL expires",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		environmentID := args[0]

		url := viper.GetString("url")
		token := viper.GetString("token")

		if token == "" {
			cmd.Println("API key not found. Please set it using the --token flag or the STAGEPOOL_TOKEN environment variable")
			return
		}

		client := NewStageClient(url, token)
		result, err := client.SubmitJob(api.JobKindDelete, api.DeletePayload{
			EnvironmentID: environmentID,
		})
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Submit failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Submit failed: %v\n", err)
			}
			return
		}

		cmd.Printf("✓ Delete job accepted!\nJob ID: %s\n", result.JobID)
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}
