package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [job_suuid]",
	Short: "Start a new run of a job",
	Long: `Start a new run of a job on the latest package of its project.

The optional payload must be a JSON document. It is stored with the run and
handed to the job as payload.json.

Example:
  askanna run 1234-abcd-5678-efgh --data '{"epochs": 3}'
  askanna run 1234-abcd-5678-efgh --data-file input.json --name "nightly"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		jobSUUID := args[0]
		flags := cmd.Flags()
		data, _ := flags.GetString("data")
		dataFile, _ := flags.GetString("data-file")
		name, _ := flags.GetString("name")
		description, _ := flags.GetString("description")

		if !requireToken(cmd) {
			return
		}

		payload := []byte(data)
		if dataFile != "" {
			b, err := os.ReadFile(dataFile)
			if err != nil {
				cmd.Printf("Failed to read payload: %v\n", err)
				return
			}
			payload = b
		}
		if len(payload) > 0 && !json.Valid(payload) {
			cmd.Println("Error: payload is not valid JSON")
			return
		}

		run, err := newClient().CreateRun(jobSUUID, payload, name, description)
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Error (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Request failed: %v\n", err)
			}
			return
		}

		cmd.Printf("🚀 Run started!\nSUUID: %s\nStatus: %s\n", run.SUUID, run.Status)
	},
}

func init() {
	flags := runCmd.Flags()
	flags.StringP("data", "d", "", "JSON payload of the run")
	flags.String("data-file", "", "File holding the JSON payload of the run")
	flags.StringP("name", "n", "", "Name of the run")
	flags.String("description", "", "Description of the run")

	rootCmd.AddCommand(runCmd)
}
