//go:build tools
// +build tools

// Package tools defines helper build time tooling needed by the codebase.
package tools

import (
	_ "github.com/edaniels/golinters/cmd/combined"
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
	_ "github.com/rhysd/actionlint/cmd/actionlint"
	_ "gotest.tools/gotestsum"

	// coverage
	_ "github.com/AlekSi/gocov-xml"
	_ "github.com/axw/gocov/gocov"

	// gRPC
	_ "github.com/fullstorydev/grpcurl/cmd/grpcurl"
)
