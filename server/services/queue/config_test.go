package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toxicbuild/toxicmaster/common/models"
)

const sampleConfig = `
builders:
  - name: unit-tests
  - name: integration-tests
    branches:
      - master
      - release-*
    triggered_by:
      - builder_name: unit-tests
        statuses:
          - success
          - warning
  - name: docs
    branches:
      - master
`

func TestListBuildersFromConfig(t *testing.T) {
	confs, err := ListBuildersFromConfig(sampleConfig, ConfigTypeYAML, "master")
	require.NoError(t, err)
	require.Len(t, confs, 3)
	assert.Equal(t, "unit-tests", confs[0].Name)
	assert.Equal(t, "integration-tests", confs[1].Name)
	assert.Equal(t, "docs", confs[2].Name)
	require.Len(t, confs[1].TriggeredBy, 1)
	assert.Equal(t, "unit-tests", confs[1].TriggeredBy[0].BuilderName)
	assert.Equal(t, []models.Status{models.StatusSuccess, models.StatusWarning},
		confs[1].TriggeredBy[0].Statuses)
}

func TestListBuildersFromConfigBranchFilter(t *testing.T) {
	confs, err := ListBuildersFromConfig(sampleConfig, ConfigTypeYAML, "feature-x")
	require.NoError(t, err)
	require.Len(t, confs, 1)
	assert.Equal(t, "unit-tests", confs[0].Name)
}

func TestListBuildersFromConfigBranchGlob(t *testing.T) {
	confs, err := ListBuildersFromConfig(sampleConfig, ConfigTypeYAML, "release-1.2")
	require.NoError(t, err)
	require.Len(t, confs, 2)
	assert.Equal(t, "integration-tests", confs[1].Name)
}

func TestListBuildersFromConfigUnsupportedType(t *testing.T) {
	_, err := ListBuildersFromConfig(sampleConfig, "toml", "master")
	assert.Error(t, err)
}

func TestListBuildersFromConfigMalformed(t *testing.T) {
	_, err := ListBuildersFromConfig("builders: {not a list}", ConfigTypeYAML, "master")
	assert.Error(t, err)
}

func TestListBuildersFromConfigNamelessBuilder(t *testing.T) {
	_, err := ListBuildersFromConfig("builders:\n  - branches: [master]\n", ConfigTypeYAML, "master")
	assert.Error(t, err)
}

func TestFilterBuilderConfigs(t *testing.T) {
	confs := []BuilderConfig{{Name: "a"}, {Name: "b"}, {Name: "c"}}

	filtered := filterBuilderConfigs(confs, nil, nil)
	assert.Len(t, filtered, 3)

	filtered = filterBuilderConfigs(confs, []string{"b"}, nil)
	require.Len(t, filtered, 1)
	assert.Equal(t, "b", filtered[0].Name)

	filtered = filterBuilderConfigs(confs, nil, []string{"b"})
	require.Len(t, filtered, 2)
	assert.Equal(t, "a", filtered[0].Name)
	assert.Equal(t, "c", filtered[1].Name)

	// Include wins over exclude.
	filtered = filterBuilderConfigs(confs, []string{"a"}, []string{"a"})
	require.Len(t, filtered, 1)
	assert.Equal(t, "a", filtered[0].Name)
}
