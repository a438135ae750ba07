// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package policy decides which processes have their traffic intercepted.
//
// A Policy is an immutable snapshot; updates from the controller replace
// the whole value. Classifications already committed to the connection
// table are not revised by an update.
package policy

import (
	"fmt"
	"sort"
	"strings"
)

// Mode selects how the PID set is interpreted.
type Mode int

const (
	// ModeInclude intercepts only the listed PIDs.
	ModeInclude Mode = iota
	// ModeExclude intercepts everything but the listed PIDs.
	ModeExclude
)

// Policy is a process-level intercept decision.
type Policy struct {
	mode Mode
	pids map[uint32]struct{}
}

// Default returns the startup policy: intercept nothing.
func Default() Policy {
	return InterceptInclude(nil)
}

// InterceptInclude builds a policy intercepting only the given PIDs.
func InterceptInclude(pids []uint32) Policy {
	return Policy{mode: ModeInclude, pids: toSet(pids)}
}

// InterceptExclude builds a policy intercepting everything but the given PIDs.
func InterceptExclude(pids []uint32) Policy {
	return Policy{mode: ModeExclude, pids: toSet(pids)}
}

// ShouldIntercept reports whether traffic of the given process is
// intercepted under this policy.
func (p Policy) ShouldIntercept(pid uint32) bool {
	_, listed := p.pids[pid]
	if p.mode == ModeInclude {
		return listed
	}
	return !listed
}

// Mode returns how the PID set is interpreted.
func (p Policy) Mode() Mode {
	return p.mode
}

func (p Policy) String() string {
	pids := make([]uint32, 0, len(p.pids))
	for pid := range p.pids {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	var sb strings.Builder
	if p.mode == ModeInclude {
		sb.WriteString("include")
	} else {
		sb.WriteString("exclude")
	}
	sb.WriteByte('[')
	for i, pid := range pids {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%d", pid)
	}
	sb.WriteByte(']')
	return sb.String()
}

func toSet(pids []uint32) map[uint32]struct{} {
	set := make(map[uint32]struct{}, len(pids))
	for _, pid := range pids {
		set[pid] = struct{}{}
	}
	return set
}
