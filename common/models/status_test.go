package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAggregateStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		expected Status
	}{
		{"empty", nil, StatusNoBuilds},
		{"running wins over everything", []Status{StatusSuccess, StatusFail, StatusRunning}, StatusRunning},
		{"cancelled wins over exception", []Status{StatusException, StatusCancelled, StatusSuccess}, StatusCancelled},
		{"exception wins over fail", []Status{StatusFail, StatusException}, StatusException},
		{"fail wins over warning", []Status{StatusWarning, StatusFail, StatusSuccess}, StatusFail},
		{"warning wins over success", []Status{StatusSuccess, StatusWarning}, StatusWarning},
		{"success wins over preparing", []Status{StatusPreparing, StatusSuccess}, StatusSuccess},
		{"preparing wins over pending", []Status{StatusPending, StatusPreparing}, StatusPreparing},
		{"all pending", []Status{StatusPending, StatusPending}, StatusPending},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, AggregateStatus(test.statuses))
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusSuccess, StatusWarning, StatusFail, StatusException,
		StatusCancelled, StatusNoBuilds, StatusNoConfig}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
	nonTerminal := []Status{StatusPending, StatusPreparing, StatusRunning}
	for _, s := range nonTerminal {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestBuildsetGetStatus(t *testing.T) {
	buildset := &Buildset{}
	assert.Equal(t, StatusNoBuilds, buildset.GetStatus())

	buildset.Builds = []*Build{
		{Status: StatusSuccess},
		{Status: StatusFail},
		{Status: StatusSuccess},
	}
	assert.Equal(t, StatusFail, buildset.GetStatus())

	buildset.Builds = append(buildset.Builds, &Build{Status: StatusRunning})
	assert.Equal(t, StatusRunning, buildset.GetStatus())
}
