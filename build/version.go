package build

import (
	"fmt"
)

// CurrentCommit and BuildType are stamped in with -ldflags -X by the Makefile.
var CurrentCommit string
var BuildType int

const (
	BuildDefault = 0
	BuildDebug   = 0x3
)

func buildTypeSuffix() string {
	switch BuildType {
	case BuildDefault:
		return ""
	case BuildDebug:
		return "+debug"
	default:
		return fmt.Sprintf("+build%d", BuildType)
	}
}

// BuildVersion is the release of the sytask and sytask-worker binaries.
const BuildVersion = "0.4.0"

// UserVersion is what `sytask version` and the admin API report.
func UserVersion() string {
	return BuildVersion + buildTypeSuffix() + CurrentCommit
}

// Version packs major.minor.patch into one byte each.
type Version uint32

func newVer(major, minor, patch uint8) Version {
	return Version(uint32(major)<<16 | uint32(minor)<<8 | uint32(patch))
}

func (ve Version) Ints() (major, minor, patch uint32) {
	v := uint32(ve)
	return v >> 16 & 0xff, v >> 8 & 0xff, v & 0xff
}

func (ve Version) String() string {
	vmj, vmi, vp := ve.Ints()
	return fmt.Sprintf("%d.%d.%d", vmj, vmi, vp)
}

// EqMajorMinor reports whether an admin client and server can talk to each
// other. Patch releases never change the wire format.
func (ve Version) EqMajorMinor(v2 Version) bool {
	return ve>>8 == v2>>8
}

// AdminAPIVersion is bumped whenever a method of the admin API changes.
var AdminAPIVersion = newVer(1, 1, 0)
