package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/srg/pchar/internal/script"
	"github.com/srg/pchar/internal/testutils"
	"github.com/srg/pchar/pkg/config"
	"github.com/stretchr/testify/suite"
)

// ScriptTestSuite tests the script command
type ScriptTestSuite struct {
	CommandTestSuite
}

func (suite *ScriptTestSuite) TestDefaultScenario() {
	// GOAL: Verify the bundled scenario reproduces the write/info/clear walk-through
	//
	// TEST SCENARIO: capacity 32 → write "hello" → info {32,27,5} → clear → info {32,32,0}

	out, _, err := suite.ExecuteCommand("", "script")
	suite.Require().NoError(err)

	testutils.NewTextAsserter(suite.T()).Assert(out, "write\t5\ninfo\t32\t27\t5\ninfo\t32\t32\t0\n")
}

func (suite *ScriptTestSuite) TestResizeExample() {
	out, _, err := suite.ExecuteCommand("", "script", "--example", "resize")
	suite.Require().NoError(err)
	suite.Assert().Equal("abcd\nwxyz\t64\n", out, "shrinking MUST keep the oldest bytes")
}

func (suite *ScriptTestSuite) TestScriptFile() {
	source, err := testutils.LoadScript("examples/resize.lua")
	suite.Require().NoError(err)
	path := filepath.Join(suite.T().TempDir(), "resize.lua")
	suite.Require().NoError(os.WriteFile(path, []byte(source), 0o644))

	out, _, err := suite.ExecuteCommand("", "script", "--capacity", "16", path)
	suite.Require().NoError(err)
	suite.Assert().Equal("abcd\nwxyz\t64\n", out)
}

func (suite *ScriptTestSuite) TestConfigFile() {
	dir := suite.T().TempDir()
	cfgPath := filepath.Join(dir, "pchar.yaml")
	suite.Require().NoError(os.WriteFile(cfgPath, []byte("devices: 1\ncapacity: 8\n"), 0o644))
	scriptPath := filepath.Join(dir, "info.lua")
	suite.Require().NoError(os.WriteFile(scriptPath, []byte(`print(pchar.devices(), pchar.info(0).capacity)`), 0o644))

	out, _, err := suite.ExecuteCommand("", "script", "--config", cfgPath, scriptPath)
	suite.Require().NoError(err)
	suite.Assert().Equal("1\t8\n", out)

	out, _, err = suite.ExecuteCommand("", "script", "--config", cfgPath, "--devices", "2", scriptPath)
	suite.Require().NoError(err)
	suite.Assert().Equal("2\t8\n", out, "flags MUST override the config file")
}

func (suite *ScriptTestSuite) TestErrors() {
	_, _, err := suite.ExecuteCommand("", "script", "--example", "nope")
	suite.Assert().ErrorContains(err, "unknown example")

	_, _, err = suite.ExecuteCommand("", "script", "--devices", "0")
	suite.Assert().ErrorIs(err, config.ErrInvalidConfig)
	suite.Assert().Contains(FormatUserError(err), "--config")

	_, _, err = suite.ExecuteCommand("", "--log-level", "chatty", "script")
	suite.Assert().ErrorContains(err, "invalid log level")

	broken := filepath.Join(suite.T().TempDir(), "broken.lua")
	suite.Require().NoError(os.WriteFile(broken, []byte("local = 1"), 0o644))
	_, _, err = suite.ExecuteCommand("", "script", broken)
	var scriptErr *script.ScriptError
	suite.Require().True(errors.As(err, &scriptErr))
	suite.Assert().Equal("syntax", scriptErr.Kind)
}

func (suite *ScriptTestSuite) TestLeftoverSessionsAreClosed() {
	path := filepath.Join(suite.T().TempDir(), "leak.lua")
	suite.Require().NoError(os.WriteFile(path, []byte(`pchar.open(0)`), 0o644))

	_, stderr, err := suite.ExecuteCommand("", "script", path)
	suite.Require().NoError(err)
	suite.Assert().Contains(stderr, "left 1 session(s) open")
}

func TestScriptTestSuite(t *testing.T) {
	suite.Run(t, new(ScriptTestSuite))
}
