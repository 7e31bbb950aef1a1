package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T) *Catalog {
	t.Helper()
	c, err := Load()
	require.NoError(t, err)
	return c
}

func TestLoad_EmbeddedCatalogParses(t *testing.T) {
	c := load(t)
	assert.NotEmpty(t, c.data.Controls)
	assert.NotEmpty(t, c.data.BaselineFamilies)
}

func TestBaselineFamilies_UnknownFallsBackToModerate(t *testing.T) {
	c := load(t)
	mod := c.BaselineFamilies("fedramp_mod")
	assert.Contains(t, mod, "AC")
	assert.Contains(t, mod, "SC")

	assert.Equal(t, mod, c.BaselineFamilies("custom"))
	assert.Equal(t, mod, c.BaselineFamilies("no-such-baseline"))
}

func TestControlsFor_FiltersByBaselineFamilies(t *testing.T) {
	c := load(t)
	low := c.ControlsFor("nist_800_53_r5", "fedramp_low")
	all := c.ControlsFor("nist_800_53_r5", "custom")
	assert.NotEmpty(t, low)
	assert.GreaterOrEqual(t, len(all), len(low))
	for _, ctrl := range low {
		assert.Contains(t, c.BaselineFamilies("fedramp_low"), ctrl.Family)
	}
}

func TestRequiredEvidence_DefaultsToConfigSnapshot(t *testing.T) {
	c := load(t)
	assert.Equal(t, []string{"config_snapshot"}, c.RequiredEvidence("ZZ"))
	assert.NotEmpty(t, c.RequiredEvidence("AC"))
}

func TestFreshnessSLADays(t *testing.T) {
	c := load(t)
	assert.Equal(t, 1, c.FreshnessSLADays("config_snapshot"))
	assert.Equal(t, 365, c.FreshnessSLADays("policy_doc"))
	assert.Equal(t, 30, c.FreshnessSLADays("unknown_type"))
}

func TestAuthorityWeight_UnlistedTypesAreConservative(t *testing.T) {
	c := load(t)
	assert.InDelta(t, 0.9, c.AuthorityWeight("config_snapshot"), 1e-9)
	assert.InDelta(t, 1.0, c.AuthorityWeight("control_catalog"), 1e-9)
	assert.InDelta(t, 0.5, c.AuthorityWeight("mystery"), 1e-9)
}

func TestToolFor(t *testing.T) {
	c := load(t)
	assert.Equal(t, "cloud.get_config_snapshot", c.ToolFor("config_snapshot"))
	assert.Equal(t, "", c.ToolFor("unknown_type"))
}

func TestDriftSeverity_SubstringMatchWithMediumDefault(t *testing.T) {
	c := load(t)
	assert.Equal(t, "medium", c.DriftSeverity("compute", "instance_type"))
	assert.Equal(t, "medium", c.DriftSeverity("no_such_resource", "whatever"))
	assert.Equal(t, "high", c.DriftSeverity("network", "vpc.sg_rule_added/tcp-22"))
	assert.Equal(t, "critical", c.DriftSeverity("IAM", "new_admin_role"))
}

func TestDriftControls_DefaultIsConfigManagement(t *testing.T) {
	c := load(t)
	assert.Equal(t, []string{"SC-7", "SC-8", "AC-4"}, c.DriftControls("network"))
	assert.Equal(t, []string{"CM-3", "CM-6"}, c.DriftControls("unmapped"))
}

func TestStigControls_Crosswalk(t *testing.T) {
	c := load(t)
	controls, ccis := c.StigControls("SV-254240r848547_rule")
	assert.Equal(t, []string{"AC-3", "IA-7"}, controls)
	assert.Equal(t, []string{"CCI-000213", "CCI-000803"}, ccis)

	controls, ccis = c.StigControls("SV-unknown")
	assert.Nil(t, controls)
	assert.Nil(t, ccis)
}

func TestHighPriorityFamily(t *testing.T) {
	c := load(t)
	for _, f := range []string{"AC", "AU", "IA", "SC", "SI"} {
		assert.True(t, c.HighPriorityFamily(f), f)
	}
	assert.False(t, c.HighPriorityFamily("CM"))
}

func TestRemediationDays(t *testing.T) {
	c := load(t)
	assert.Equal(t, 30, c.RemediationDays("critical"))
	assert.Equal(t, 90, c.RemediationDays("high"))
	assert.Equal(t, 180, c.RemediationDays("moderate"))
	assert.Equal(t, 365, c.RemediationDays("low"))
	assert.Equal(t, 180, c.RemediationDays("unknown"))
}

func TestFamily(t *testing.T) {
	assert.Equal(t, "AC", Family("AC-3"))
	assert.Equal(t, "SC", Family("SC-7"))
	assert.Equal(t, "", Family("nodash"))
}
