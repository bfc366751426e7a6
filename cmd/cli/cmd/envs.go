package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var envsCmd = &cobra.Command{
	Use:   "envs",
	Short: "List environments and their pool states",
	Long: `List all environments tracked by the registry: warm instances waiting
in the pool, claimed and serving instances, and those being reset or
torn down.

Example:
  stagectl envs
  stagectl envs --state warm`,
	Run: func(cmd *cobra.Command, args []string) {
		state, _ := cmd.Flags().GetString("state")

		url := viper.GetString("url")
		token := viper.GetString("token")

		if token == "" {
			cmd.Println("API key not found. Please set it using the --token flag or the STAGEPOOL_TOKEN environment variable")
			return
		}

		client := NewStageClient(url, token)
		envs, err := client.ListEnvironments(state)
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Request failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Request failed: %v\n", err)
			}
			return
		}

		if len(envs) == 0 {
			cmd.Println("No environments found.")
			return
		}

		cmd.Printf("%s%-38s %-14s %-12s %-10s %s%s\n", colorBold, "ID", "NAME", "STATE", "OWNER", "EXPIRES", colorReset)
		for _, env := range envs {
			expires := "-"
			if env.TTLExpiresAt != nil {
				remaining := time.Until(*env.TTLExpiresAt)
				if remaining > 0 {
					expires = fmt.Sprintf("in %s", formatDuration(remaining))
				} else {
					expires = colorRed + "expired" + colorReset
				}
			}
			owner := env.OwnerID
			if owner == "" {
				owner = "-"
			}
			cmd.Printf("%-38s %-14s %-12s %-10s %s\n", env.ID, env.Name, colorizePoolState(env.PoolState), owner, expires)
		}
	},
}

func colorizePoolState(state string) string {
	switch state {
	case "warm":
		return colorGreen + state + colorReset
	case "serving":
		return colorCyan + state + colorReset
	case "claimed", "resetting":
		return colorYellow + state + colorReset
	case "terminating":
		return colorRed + state + colorReset
	default:
		return state
	}
}

func init() {
	envsCmd.Flags().String("state", "", "Filter by pool state (warm, claimed, serving, resetting, terminating)")
	rootCmd.AddCommand(envsCmd)
}
