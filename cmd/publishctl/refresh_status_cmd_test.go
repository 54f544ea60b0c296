package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRefreshStatusCommand(t *testing.T) {
	fix := &testFixture{engine: &stubEngine{}}
	root := newTestRoot(t, fix)

	out := runCommand(t, newRefreshStatus(root).Command(),
		"https://github.com/jelmer/dulwich/pull/42")

	assert.Contains(t, out, "Status refreshed.")
	assert.Equal(t, []string{"https://github.com/jelmer/dulwich/pull/42"}, fix.engine.refreshed)
}

func TestRefreshStatusCommandWantsURL(t *testing.T) {
	root := newTestRoot(t, &testFixture{})

	err := runCommandExpectError(t, newRefreshStatus(root).Command())

	assert.IsType(t, usageError{}, err)
}
