/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package relay

import (
	"fmt"

	"github.com/intel/intel-gpu-iov-manager/pkg/guc"
)

// IOV actions serviced by the PF. The debug range is reserved for
// diagnostics and loopback validation.
const (
	ActionDebugOnlyStart = 0xDEB0
	ActionDebugOnlyEnd   = 0xDEFF

	ActionSelftestRelay = ActionDebugOnlyStart + 1

	SelftestRelayOpcodeNop  = 0x0
	SelftestRelayOpcodeEcho = 0xE
	SelftestRelayOpcodeFail = 0xF
)

// Service is the default PF message handler. It services the debug
// relay action; everything else is rejected with EBADRQC so a future
// VF ABI can grow without breaking old PFs.
type Service struct{}

func (s *Service) HandleRequest(origin uint32, msg []uint32) (uint32, []uint32, error) {
	action := guc.HxgAction(msg[0])
	switch action {
	case ActionSelftestRelay:
		return s.handleSelftest(msg)
	default:
		return 0, nil, fmt.Errorf("action %#x from %d: %w",
			action, origin, &guc.Error{Code: guc.IovErrorInvalidRequestCode})
	}
}

func (s *Service) handleSelftest(msg []uint32) (uint32, []uint32, error) {
	switch opcode := guc.HxgData0(msg[0]); opcode {
	case SelftestRelayOpcodeNop:
		return 0, nil, nil
	case SelftestRelayOpcodeEcho:
		return 0, msg[1:], nil
	case SelftestRelayOpcodeFail:
		return 0, nil, &guc.Error{Code: guc.IovErrorNoDataAvailable}
	default:
		return 0, nil, &guc.Error{Code: guc.IovErrorInvalidArgument}
	}
}
