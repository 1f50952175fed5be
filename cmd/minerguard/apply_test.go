package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seed = `
kind: Tenant
metadata:
  name: acme
---
kind: Site
metadata:
  name: north
spec:
  tenant: acme
  mode: 2
---
kind: Actor
metadata:
  name: olivia
spec:
  tenant: acme
  role: admin
  sites: [north]
---
kind: Actor
metadata:
  name: root
spec:
  tenant: acme
  role: owner
`

func TestDecodeResources(t *testing.T) {
	resources, err := decodeResources(strings.NewReader(seed))
	require.NoError(t, err)
	require.Len(t, resources, 4)

	assert.Equal(t, "Tenant", resources[0].Kind)
	assert.Equal(t, 2, getInt(resources[1].Spec, "mode", 1))
	assert.Equal(t, "admin", getString(resources[2].Spec, "role", ""))

	sites, ok := getStringList(resources[2].Spec, "sites")
	require.True(t, ok)
	assert.Equal(t, []string{"north"}, sites)

	_, ok = getStringList(resources[3].Spec, "sites")
	assert.False(t, ok)
}

func TestDecodeResourcesRequiresName(t *testing.T) {
	_, err := decodeResources(strings.NewReader("kind: Tenant\nmetadata: {}\n"))
	assert.Error(t, err)
}

func TestTrimNewline(t *testing.T) {
	assert.Equal(t, "secret", string(trimNewline([]byte("secret\r\n"))))
	assert.Empty(t, trimNewline([]byte("\n")))
}
