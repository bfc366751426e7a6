package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stagepool/pkg/api"
)

var cloneCmd = &cobra.Command{
	Use:   "clone",
	Short: "Provision a staging environment, optionally cloned from a site",
	Long: `Provision a fresh staging environment for a customer.

Without source flags the environment comes up empty. With them, the
content of the source site is exported and imported into the new
environment after provisioning.

Example:
  stagectl clone --customer acme
  stagectl clone --customer acme --ttl 60
  stagectl clone --customer acme --source-url https://example.com --source-user admin --source-pass secret`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		customer, _ := flags.GetString("customer")
		ttl, _ := flags.GetInt("ttl")
		sourceURL, _ := flags.GetString("source-url")
		sourceUser, _ := flags.GetString("source-user")
		sourcePass, _ := flags.GetString("source-pass")

		url := viper.GetString("url")
		token := viper.GetString("token")

		if token == "" {
			cmd.Println("API key not found. Please set it using the --token flag or the STAGEPOOL_TOKEN environment variable")
			return
		}

		if customer == "" {
			cmd.Println("Error: --customer is required")
			return
		}

		payload := api.ClonePayload{
			CustomerID: customer,
			TTLMinutes: ttl,
		}
		if sourceURL != "" {
			payload.Source = &api.SiteCredentials{
				URL:      sourceURL,
				Username: sourceUser,
				Password: sourcePass,
			}
		}

		client := NewStageClient(url, token)
		result, err := client.SubmitJob(api.JobKindClone, payload)
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Submit failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Submit failed: %v\n", err)
			}
			return
		}

		cmd.Printf("✓ Clone job accepted!\nJob ID: %s\nTrack it: stagectl status %s\n", result.JobID, result.JobID)
	},
}

func init() {
	flags := cloneCmd.Flags()
	flags.StringP("customer", "c", "", "Customer the environment belongs to (required)")
	flags.Int("ttl", 0, "Environment lifetime in minutes (default 30, max 120)")
	flags.String("source-url", "", "Source site URL to clone from (optional)")
	flags.String("source-user", "", "Source site admin username")
	flags.String("source-pass", "", "Source site admin password")

	rootCmd.AddCommand(cloneCmd)
}
