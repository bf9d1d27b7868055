package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var variableCmd = &cobra.Command{
	Use:   "variable",
	Short: "Inspect project variables",
}

var variableListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the variables of a project",
	Run: func(cmd *cobra.Command, args []string) {
		project, _ := cmd.Flags().GetString("project")
		if project == "" {
			cmd.Println("Error: --project is required")
			return
		}

		vars, err := newClient().ListVariables(project)
		if err != nil {
			cmd.Printf("Error fetching variables: %s\n", err)
			return
		}
		if len(vars) == 0 {
			cmd.Println("No variables found.")
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "SUUID\tNAME\tVALUE\tMASKED")
		for _, v := range vars {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", v.SUUID, v.Name, v.Value, v.IsMasked)
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(variableCmd)
	variableCmd.AddCommand(variableListCmd)

	variableListCmd.Flags().StringP("project", "p", "", "SUUID of the project (required)")
}
