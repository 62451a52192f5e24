package tnshare

// BuildVersion is stamped at release time; "dev" for local builds.
var BuildVersion = "dev"
