package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var classesCmd = &cobra.Command{
	Use:   "classes [filter]",
	Short: "List the detector classes a target can be chosen from",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		filter := ""
		if len(args) == 1 {
			filter = args[0]
		}
		printClasses(os.Stdout, Cfg.Classes, filter)
	},
}

func init() {
	rootCmd.AddCommand(classesCmd)
}

// printClasses writes the id/name table, keeping names that contain filter (case-insensitive).
func printClasses(out io.Writer, classes []string, filter string) int {
	filter = strings.ToLower(filter)
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME")
	fmt.Fprintln(w, "--\t----")

	shown := 0
	for id, name := range classes {
		if filter != "" && !strings.Contains(strings.ToLower(name), filter) {
			continue
		}
		fmt.Fprintf(w, "%d\t%s\n", id, name)
		shown++
	}
	w.Flush()
	return shown
}
