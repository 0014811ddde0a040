package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"chatflow/api/services/flow"
)

var errInvalidFlow = errors.New("flow has blocking errors")

var validateCmd = &cobra.Command{
	Use:   "validate <flow-file>...",
	Short: "Check flow definitions for structural errors",
	Long:  `Loads YAML or JSON flow files and reports validation errors and warnings for each.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(cmd.OutOrStdout(), args)
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(out io.Writer, paths []string) error {
	failed := false
	for _, path := range paths {
		f, err := flow.LoadFile(path)
		if err != nil {
			return err
		}
		result := flow.Validate(f)
		for _, issue := range result.Errors {
			fmt.Fprintf(out, "%s: error %s%s: %s\n", path, issue.Code, nodeSuffix(issue), issue.Message)
		}
		for _, issue := range result.Warnings {
			fmt.Fprintf(out, "%s: warning %s%s: %s\n", path, issue.Code, nodeSuffix(issue), issue.Message)
		}
		if result.IsValid {
			fmt.Fprintf(out, "%s: valid (%d nodes)\n", path, len(f.Nodes))
		} else {
			failed = true
		}
	}
	if failed {
		return errInvalidFlow
	}
	return nil
}

func nodeSuffix(issue flow.Issue) string {
	if issue.NodeID == "" {
		return ""
	}
	return " [" + issue.NodeID + "]"
}
