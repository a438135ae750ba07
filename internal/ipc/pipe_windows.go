// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build windows

package ipc

import (
	"github.com/Microsoft/go-winio"

	"github.com/SenberHu/winredirect/internal/errors"
)

// Dial connects to the controller's named pipe in duplex client mode.
func Dial(path string) (*Endpoint, error) {
	conn, err := winio.DialPipe(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindIPC, "cannot open pipe %s", path)
	}
	return NewEndpoint(conn), nil
}
