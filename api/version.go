// Copyright 2024 The Genesis OTA authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"fmt"
	"math"
	"strconv"

	"github.com/coreos/go-semver/semver"
)

// Version identifies a firmware build.
// Versions are totally ordered lexicographically by
// (Major, Minor, Patch, Build).
type Version struct {
	Major uint8
	Minor uint8
	Patch uint16
	Build uint32
}

// NewVersion returns the version with the given components.
func NewVersion(major, minor uint8, patch uint16, build uint32) Version {
	return Version{Major: major, Minor: minor, Patch: patch, Build: build}
}

// Compare returns -1, 0 or 1 depending on whether v is less than, equal to,
// or greater than o.
func (v Version) Compare(o Version) int {
	a := [4]uint64{uint64(v.Major), uint64(v.Minor), uint64(v.Patch), uint64(v.Build)}
	b := [4]uint64{uint64(o.Major), uint64(o.Minor), uint64(o.Patch), uint64(o.Build)}
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

// Less reports whether v orders before o.
func (v Version) Less(o Version) bool {
	return v.Compare(o) < 0
}

// String renders the version as "major.minor.patch" with a "-build" suffix
// when the build number is non-zero.
func (v Version) String() string {
	if v.Build == 0 {
		return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	}
	return fmt.Sprintf("%d.%d.%d-%d", v.Major, v.Minor, v.Patch, v.Build)
}

// ParseVersion parses a version string of the form "1.2.3" or "1.2.3-456".
func ParseVersion(s string) (Version, error) {
	sv, err := semver.NewVersion(s)
	if err != nil {
		return Version{}, fmt.Errorf("%q: %w", s, ErrInvalidVersion)
	}
	if sv.Major > math.MaxUint8 || sv.Minor > math.MaxUint8 || sv.Patch > math.MaxUint16 {
		return Version{}, fmt.Errorf("%q: component out of range: %w", s, ErrInvalidVersion)
	}
	var build uint64
	if pr := string(sv.PreRelease); pr != "" {
		build, err = strconv.ParseUint(pr, 10, 32)
		if err != nil {
			return Version{}, fmt.Errorf("%q: build number %q: %w", s, pr, ErrInvalidVersion)
		}
	}
	return Version{
		Major: uint8(sv.Major),
		Minor: uint8(sv.Minor),
		Patch: uint16(sv.Patch),
		Build: uint32(build),
	}, nil
}
