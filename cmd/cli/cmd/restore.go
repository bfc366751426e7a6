package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stagepool/pkg/api"
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a site's content through a pair of staging environments",
	Long: `Restore content from a source site. The platform provisions a source
and a target environment, seeds the source from the site, then moves
the content across with the preserve flags applied.

Example:
  stagectl restore --customer acme --source-url https://example.com --source-user admin --source-pass secret
  stagectl restore --customer acme --source-url https://example.com --source-user admin --source-pass secret --preserve-plugins --preserve-themes`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		customer, _ := flags.GetString("customer")
		ttl, _ := flags.GetInt("ttl")
		sourceURL, _ := flags.GetString("source-url")
		sourceUser, _ := flags.GetString("source-user")
		sourcePass, _ := flags.GetString("source-pass")
		preservePlugins, _ := flags.GetBool("preserve-plugins")
		preserveThemes, _ := flags.GetBool("preserve-themes")

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
		if sourceURL == "" {
			cmd.Println("Error: --source-url is required")
			return
		}

		payload := api.RestorePayload{
			CustomerID: customer,
			Source: api.SiteCredentials{
				URL:      sourceURL,
				Username: sourceUser,
				Password: sourcePass,
			},
			PreservePlugins: preservePlugins,
			PreserveThemes:  preserveThemes,
			TTLMinutes:      ttl,
		}

		client := NewStageClient(url, token)
		result, err := client.SubmitJob(api.JobKindRestore, payload)
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Submit failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Submit failed: %v\n", err)
			}
			return
		}

		cmd.Printf("✓ Restore job accepted!\nJob ID: %s\nTrack it: stagectl status %s\n", result.JobID, result.JobID)
	},
}

func init() {
	flags := restoreCmd.Flags()
	flags.StringP("customer", "c", "", "Customer the environments belong to (required)")
	flags.Int("ttl", 0, "Environment lifetime in minutes (default 30, max 120)")
	flags.String("source-url", "", "Source site URL (required)")
	flags.String("source-user", "", "Source site admin username")
	flags.String("source-pass", "", "Source site admin password")
	flags.Bool("preserve-plugins", false, "Keep the target's plugins during import")
	flags.Bool("preserve-themes", false, "Keep the target's themes during import")

	rootCmd.AddCommand(restoreCmd)
}
