package main

import (
	"strings"
	"testing"

	"github.com/srg/pchar/internal/pchar"
	"github.com/srg/pchar/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// DemoTestSuite tests the demo command
type DemoTestSuite struct {
	CommandTestSuite
}

func (suite *DemoTestSuite) TestStreamsEveryDevice() {
	// GOAL: Verify every device streams the pattern intact through a mid-run resize
	//
	// TEST SCENARIO: 2 devices of 8 bytes → 300 bytes in 5-byte chunks → capacity doubled → summaries in order

	out, _, err := suite.ExecuteCommand("", "demo", "--devices", "2", "--capacity", "8", "--bytes", "300", "--chunk", "5")
	suite.Require().NoError(err)

	testutils.NewJSONAsserter(suite.T()).WithOptions(testutils.WithIgnoredFields("elapsed")).Assert(out, `[
		{"device": "pchar0", "bytes": 300, "chunk": 5, "capacity_before": 8, "capacity_after": 16, "length": 0, "resizes": 1, "match": true},
		{"device": "pchar1", "bytes": 300, "chunk": 5, "capacity_before": 8, "capacity_after": 16, "length": 0, "resizes": 1, "match": true}
	]`)

	first := out[:strings.Index(out, "}")]
	suite.Assert().Less(strings.Index(first, `"device"`), strings.Index(first, `"bytes"`), "summary keys MUST keep insertion order")
	suite.Assert().Less(strings.Index(first, `"match"`), strings.Index(first, `"elapsed"`))
}

func (suite *DemoTestSuite) TestWithoutGrow() {
	out, _, err := suite.ExecuteCommand("", "demo", "--devices", "1", "--capacity", "4", "--bytes", "64", "--chunk", "3", "--grow=false")
	suite.Require().NoError(err)

	testutils.NewJSONAsserter(suite.T()).Assert(out, `[
		{"device": "pchar0", "capacity_before": 4, "capacity_after": 4, "resizes": 0, "match": true, "elapsed": "<<PRESENCE>>"}
	]`)
}

func (suite *DemoTestSuite) TestInvalidArguments() {
	_, _, err := suite.ExecuteCommand("", "demo", "--bytes", "0")
	suite.Assert().ErrorIs(err, pchar.ErrInvalidArgument)
}

func TestDemoTestSuite(t *testing.T) {
	suite.Run(t, new(DemoTestSuite))
}
