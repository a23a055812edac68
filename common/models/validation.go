package models

import "errors"

var (
	errIDMissing         = errors.New("error id must be set")
	errUUIDMissing       = errors.New("error uuid must be set")
	errBuildUUIDMissing  = errors.New("error build uuid must be set")
	errRepoIDMissing     = errors.New("error repo id must be set")
	errBuildsetIDMissing = errors.New("error buildset id must be set")
	errBuilderIDMissing  = errors.New("error builder id must be set")
	errNameMissing       = errors.New("error name must be set")
	errStatusInvalid     = errors.New("error status is not valid")
	errHostMissing       = errors.New("error host must be set")
	errURLMissing        = errors.New("error url must be set")
	errCommitMissing     = errors.New("error commit must be set")
)
