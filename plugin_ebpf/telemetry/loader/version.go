/*
 * @Author: CALM.WU
 * @Date: 2024-03-11 10:31:02
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-11 14:47:19
 */

package loader

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type KernelVersion struct {
	Major uint32
	Minor uint32
}

func (v KernelVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// SupportTier is the tracing facility a kernel offers.
type SupportTier int32

const (
	TierUnsupported SupportTier = iota
	TierTracepoint
	TierRawTracepoint
)

func (t SupportTier) String() string {
	switch t {
	case TierUnsupported:
		return "unsupported"
	case TierTracepoint:
		return "tracepoint"
	case TierRawTracepoint:
		return "raw_tracepoint"
	}
	return fmt.Sprintf("tier(%d)", int32(t))
}

var __releaseRegex = regexp.MustCompile(`^(\d+)\.(\d+)`)

// ParseKernelVersion reads the "major.minor" prefix of a uname release string.
// Leading white space and anything after the minor number are ignored.
func ParseKernelVersion(release string) (KernelVersion, error) {
	var v KernelVersion

	m := __releaseRegex.FindStringSubmatch(strings.TrimLeft(release, " \t\r\n\v\f"))
	if m == nil {
		return v, errors.Errorf("kernel release '%s' has no major.minor prefix", release)
	}

	major, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return v, errors.Wrapf(err, "kernel release '%s' major", release)
	}
	minor, err := strconv.ParseUint(m[2], 10, 32)
	if err != nil {
		return v, errors.Wrapf(err, "kernel release '%s' minor", release)
	}

	v.Major, v.Minor = uint32(major), uint32(minor)
	return v, nil
}

// Classify maps a kernel version to its support tier. Syscall tracepoints
// appeared in 4.12, raw tracepoints in 4.17.
func Classify(v KernelVersion) SupportTier {
	switch {
	case v.Major < 4, v.Major == 4 && v.Minor < 12:
		return TierUnsupported
	case v.Major == 4 && v.Minor < 17:
		return TierTracepoint
	default:
		return TierRawTracepoint
	}
}
