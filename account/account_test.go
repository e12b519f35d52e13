package account

import (
	"strings"
	"testing"
	"time"

	"github.com/gammadia/cumulus/cloud"
	"github.com/gammadia/cumulus/options"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const accountsFile = `
accounts:
  - name: ovh
    endpoint:
      url: https://auth.example.com/v3
      username: ci
      password: secret
      project: builds
    options:
      flavor: b2-7
      instance-cap: 4
      boot-source:
        kind: image
        name: ubuntu-22.04
      start-timeout: 5m
    classes:
      - name: linux
        labels: [linux, docker]
        options:
          instance-cap: 1
          flavor: b2-7
      - name: windows
        labels: [windows]
        options:
          flavor: b2-15
          retention-time: 0
`

func TestRead(t *testing.T) {
	accounts, err := Read(strings.NewReader(accountsFile))
	require.NoError(t, err)
	require.Len(t, accounts, 1)

	a := accounts[0]
	assert.Equal(t, "ovh", a.Endpoint.Name)
	assert.Equal(t, 4, a.EffectiveOptions().GetInstanceCap())
	assert.Equal(t, 5*time.Minute, a.EffectiveOptions().GetStartTimeout())

	linux, ok := a.Class("linux")
	require.True(t, ok)
	assert.Nil(t, linux.Options.Flavor, "redundant class values are erased")
	assert.Equal(t, "b2-7", *a.ClassOptions(linux).Flavor)
	assert.Equal(t, 1, a.ClassOptions(linux).GetInstanceCap())

	windows, _ := a.Class("windows")
	assert.True(t, a.ClassOptions(windows).IsSingleUse())
}

func TestReadRejectsInvalidClasses(t *testing.T) {
	_, err := Read(strings.NewReader(`
accounts:
  - name: ovh
    endpoint: {url: https://auth.example.com/v3}
    classes:
      - name: linux
`))
	assert.ErrorIs(t, err, options.ErrMissingFlavor)

	_, err = Read(strings.NewReader(`
accounts:
  - name: ovh
    endpoint: {url: https://auth.example.com/v3}
  - name: ovh
    endpoint: {url: https://auth.example.com/v3}
`))
	assert.ErrorContains(t, err, "duplicate account")
}

func TestMatches(t *testing.T) {
	c := &Class{Labels: []string{"linux", "docker"}}

	tests := map[string]bool{
		"":                     true,
		"linux":                true,
		"windows":              false,
		"linux && docker":      true,
		"linux && windows":     false,
		"windows || docker":    true,
		"!windows":             true,
		"linux && !docker":     false,
		"!!linux":              true,
		"  linux  &&  docker ": true,
	}

	for expression, expected := range tests {
		assert.Equal(t, expected, c.Matches(expression), expression)
	}
}

func TestMatchingClassesKeepsOrder(t *testing.T) {
	a := &Account{Classes: []*Class{
		{Name: "b", Labels: []string{"linux"}},
		{Name: "a", Labels: []string{"linux"}},
		{Name: "c", Labels: []string{"windows"}},
	}}

	matching := a.MatchingClasses("linux")

	require.Len(t, matching, 2)
	assert.Equal(t, "b", matching[0].Name)
	assert.Equal(t, "a", matching[1].Name)
}

func TestHasProvisioned(t *testing.T) {
	a := &Account{Name: "ovh"}

	assert.True(t, a.HasProvisioned(&cloud.Server{Metadata: map[string]string{cloud.MetaCloudName: "ovh"}}))
	assert.False(t, a.HasProvisioned(&cloud.Server{Metadata: map[string]string{cloud.MetaCloudName: "aws"}}))
}
