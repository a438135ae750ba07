// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package redirect

import (
	"github.com/SenberHu/winredirect/internal/errors"
	"github.com/SenberHu/winredirect/internal/logging"
	"github.com/SenberHu/winredirect/internal/windivert"
)

// RelayCaptures drains one diverter receive handle onto the merged queue.
// It blocks in the kernel between batches and runs until the handle
// fails; a receive error is fatal for the whole process.
func RelayCaptures(h windivert.Handle, bufSize, batch int, q *Queue[Event], log *logging.Logger) {
	for {
		captures, err := h.RecvEx(bufSize, batch)
		if err != nil {
			log.Error("diverter receive failed", "err", err)
			q.Push(FatalEvent{Err: errors.Wrap(err, errors.KindDiverter, "diverter receive")})
			return
		}
		for _, c := range captures {
			q.Push(CaptureEvent{Capture: c})
		}
	}
}
