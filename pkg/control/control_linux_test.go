//go:build linux

package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSystemctlArgs(t *testing.T) {
	assert.Equal(t,
		[]string{"is-active", "kodegend.service"},
		systemctlArgs("is-active", true))

	assert.Equal(t,
		[]string{"--user", "is-active", "kodegend.service"},
		systemctlArgs("is-active", false))

	assert.Equal(t,
		[]string{"--user", "restart", "kodegend.service"},
		systemctlArgs("restart", false))
}
