package main

import (
	"bytes"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/suite"
)

// CommandTestSuite runs the root command in-process with captured streams.
// All cmd/pchar test suites should embed it.
type CommandTestSuite struct {
	suite.Suite
}

func (s *CommandTestSuite) SetupSuite() {
	color.NoColor = true
}

// resetFlags restores every flag default so values do not leak between executions.
func resetFlags() {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	var walk func(cmd *cobra.Command)
	walk = func(cmd *cobra.Command) {
		cmd.Flags().VisitAll(reset)
		cmd.PersistentFlags().VisitAll(reset)
		for _, sub := range cmd.Commands() {
			walk(sub)
		}
	}
	walk(rootCmd)
}

// ExecuteCommand runs pchar with args and stdin, returns stdout, stderr and error.
func (s *CommandTestSuite) ExecuteCommand(stdin string, args ...string) (string, string, error) {
	resetFlags()
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	var in io.Reader = strings.NewReader(stdin)
	rootCmd.SetIn(in)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}
