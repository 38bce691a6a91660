package rawversion

// RawVersion is the raw version string.
//
// This indirection keeps the semver package out of packages that only
// need the string.
const RawVersion = "0.1.0"
