/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package engine

import (
	"errors"
)

// Protocol-semantic errors. Codec failures are absorbed at the receive
// boundary; these transition state machines and show up in counters. The
// only error that escapes an entry point is ErrTimeRegression, which marks
// an orchestrator defect and stops the node.
var (
	// ErrTimeRegression means update_time was called with a timestamp in
	// the past. Fatal for this node.
	ErrTimeRegression = errors.New("time regression")

	// ErrStaleProvider means a JOIN_OFFER referenced a provider that was
	// pruned from the provider table
	ErrStaleProvider = errors.New("stale provider")

	// ErrAcceptTimeout means no JOIN_ACCEPT arrived within JOIN_ACCEPT_TIMEOUT
	ErrAcceptTimeout = errors.New("join accept timeout")

	// ErrAckTimeout means the provider got no ACK for its JOIN_ACCEPT
	ErrAckTimeout = errors.New("ack timeout")

	// ErrAckAckTimeout means the consumer got no ACKACK for its ACK
	ErrAckAckTimeout = errors.New("ackack timeout")

	// ErrRoleSwitched means the role manager changed role while sessions
	// of the previous role were pending
	ErrRoleSwitched = errors.New("role switched")

	// ErrCapacityExhausted means an RREH queue or a platoon is full
	ErrCapacityExhausted = errors.New("capacity exhausted")

	// ErrStaleBeacon means a platoon member missed too many consecutive
	// PLATOON_BEACONs
	ErrStaleBeacon = errors.New("stale beacon")
)

// counter names used with stats.IncErr for the errors above
const (
	cntTimeRegression    = "time_regression"
	cntStaleProvider     = "stale_provider"
	cntAcceptTimeout     = "accept_timeout"
	cntAckTimeout        = "ack_timeout"
	cntAckAckTimeout     = "ackack_timeout"
	cntRoleSwitched      = "role_switched"
	cntCapacityExhausted = "capacity_exhausted"
	cntStaleBeacon       = "stale_beacon"
)
