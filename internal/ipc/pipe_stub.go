// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !windows

package ipc

import "github.com/SenberHu/winredirect/internal/errors"

// Dial is a stub for non-Windows systems.
func Dial(path string) (*Endpoint, error) {
	return nil, errors.New(errors.KindIPC, "named pipes are only supported on windows")
}
