package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/conmon/internal/state"
)

func TestRootCommand_HasExpectedSubcommands(t *testing.T) {
	expected := []string{
		"version",
		"init",
		"run",
		"serve",
		"resume",
		"approvals",
		"audit",
		"report",
		"secrets",
		"config",
	}
	registered := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		registered[cmd.Name()] = true
	}
	for _, name := range expected {
		assert.True(t, registered[name], "subcommand %q should be registered", name)
	}
}

func TestRootCommand_HelpOutput(t *testing.T) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{"--help"})

	err := rootCmd.Execute()
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, "Continuous compliance monitoring")
	assert.Contains(t, output, "run")
	assert.Contains(t, output, "serve")
	assert.Contains(t, output, "approvals")
}

func TestVersionVars_HaveDefaults(t *testing.T) {
	assert.Equal(t, "dev", Version)
	assert.Equal(t, "none", Commit)
	assert.Equal(t, "unknown", BuildDate)
}

func TestRootCommand_GlobalFlags(t *testing.T) {
	for _, name := range []string{"config", "verbose", "log-level", "log-format", "otel"} {
		flag := rootCmd.PersistentFlags().Lookup(name)
		assert.NotNil(t, flag, "flag %q should be registered", name)
	}
}

func TestRootCommand_UseAndShort(t *testing.T) {
	assert.Equal(t, "conmon", rootCmd.Use)
	assert.Equal(t, "Continuous compliance monitoring for federal cloud systems", rootCmd.Short)
}

func TestPackageLevelTracer_IsNotNil(t *testing.T) {
	assert.NotNil(t, tracer, "package-level tracer should be initialized")
}

func TestRunCmd_Flags(t *testing.T) {
	expected := map[string]string{
		"system":       "",
		"system-name":  "",
		"providers":    "[]",
		"baseline":     "",
		"frameworks":   "[]",
		"auto-approve": "false",
		"policy":       "",
		"output":       "text",
	}
	for name, wantDefault := range expected {
		flag := runCmd.Flags().Lookup(name)
		require.NotNil(t, flag, "run flag %q should be registered", name)
		assert.Equal(t, wantDefault, flag.DefValue, "run flag %q default", name)
	}
}

func TestResumeCmd_RequiresExactlyOneArg(t *testing.T) {
	require.NotNil(t, resumeCmd.Args)
	assert.Error(t, resumeCmd.Args(resumeCmd, []string{}))
	assert.Error(t, resumeCmd.Args(resumeCmd, []string{"a", "b"}))
	assert.NoError(t, resumeCmd.Args(resumeCmd, []string{"run_abc123"}))
}

func TestApprovalsCmd_Subcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range approvalsCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["list"])
	assert.True(t, names["approve"])
	assert.True(t, names["reject"])
}

func TestAuditCmd_Subcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range auditCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["list"])
	assert.True(t, names["verify"])
}

func TestSecretsCmd_Subcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range secretsCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["set"])
	assert.True(t, names["list"])
	assert.True(t, names["rotate"])
	assert.True(t, names["audit"])
}

func TestFailedControls_SortedAndFiltered(t *testing.T) {
	run := &state.RunState{
		Assessments: []state.ControlAssessment{
			{ControlID: "SC-7", Status: state.StatusFail, Severity: "high"},
			{ControlID: "AC-2", Status: state.StatusPass},
			{ControlID: "AC-3", Status: state.StatusFail, Severity: "high"},
		},
	}
	failed := failedControls(run)
	require.Len(t, failed, 2)
	assert.Equal(t, "AC-3", failed[0].ControlID)
	assert.Equal(t, "SC-7", failed[1].ControlID)
}

func TestCountOpenFindings(t *testing.T) {
	findings := []state.Finding{
		{VulnID: "V-1", Status: "Open"},
		{VulnID: "V-2", Status: "Not_A_Finding"},
		{VulnID: "V-3", Status: "Open"},
	}
	assert.Equal(t, 2, countOpenFindings(findings))
}

func TestDescribeKey(t *testing.T) {
	assert.Contains(t, describeKey(true), "derived default")
	assert.Contains(t, describeKey(false), "redacted")
}

func TestGatewayProviders_CoverAllClouds(t *testing.T) {
	assert.ElementsMatch(t, []string{"aws", "azure", "gcp"}, gatewayProviders)
}
