// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !windows

package windivert

import "github.com/SenberHu/winredirect/internal/errors"

// Open is a stub for non-Windows systems.
func Open(filter string, layer Layer, priority int16, flags Flags) (Handle, error) {
	return nil, errors.New(errors.KindDiverter, "packet diversion is only supported on windows")
}
