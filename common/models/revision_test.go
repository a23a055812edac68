package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRevisionCreateBuilds(t *testing.T) {
	now := NewTime(time.Now())
	tests := []struct {
		name     string
		body     string
		expected bool
	}{
		{"no marker", "Fix a bug in the thing", true},
		{"skip marker", "Fix a typo\n\nci: skip", false},
		{"skip marker no space", "wip ci:skip", false},
		{"marker is case insensitive", "CI: SKIP", false},
		{"empty body", "", true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			revision := NewRevision(now, NewRepoID(), "asdf1234", now, "master", "zezinho", "a title")
			revision.Body = test.body
			assert.Equal(t, test.expected, revision.CreateBuilds())
		})
	}
}
