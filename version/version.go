package version

import (
	"github.com/blang/semver/v4"
	"github.com/containers/fabrickit/version/rawversion"
)

// Version is the version of the build.
var Version = semver.MustParse(rawversion.RawVersion)
