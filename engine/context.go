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
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/aevnet/mvccp/protocol"
	"github.com/aevnet/mvccp/stats"
)

// Role is the charging-coordination role a node exposes at a tick boundary
type Role uint8

// Roles
const (
	RoleConsumer Role = iota + 1
	RoleMobileProvider
	RolePlatoonHead
	RolePlatoonMember
	RoleRREH
)

// RoleToString is a map from Role to string
var RoleToString = map[Role]string{
	RoleConsumer:       "CONSUMER",
	RoleMobileProvider: "MOBILE_PROVIDER",
	RolePlatoonHead:    "PLATOON_HEAD",
	RolePlatoonMember:  "PLATOON_MEMBER",
	RoleRREH:           "RREH",
}

func (r Role) String() string {
	return RoleToString[r]
}

// Provider reports whether the role offers energy
func (r Role) Provider() bool {
	return r == RoleMobileProvider || r == RolePlatoonHead || r == RoleRREH
}

// NodeState is the local node's identity and physical state. Position,
// velocity and battery are pushed by the mobility/energy collaborator;
// Role is owned by the role manager. Receive handlers never mutate it.
type NodeState struct {
	ID          protocol.NodeID
	Position    protocol.Vec2
	Velocity    protocol.Vec2
	Destination protocol.Vec2

	BatteryKWh  float64
	CapacityKWh float64
	BatteryPct  float64

	Willingness     uint8
	ProviderCapable bool
	Stationary      bool // true for RREHs

	// NeedKWh above zero marks an active charging need
	NeedKWh float64
	// ShareableKWh is the energy the node can offer as a provider
	ShareableKWh float64

	Role Role
}

// Sender hands encoded frames to the PHY sink. Broadcast semantics are
// provided by the sink.
type Sender interface {
	Send(frame []byte)
}

// Context holds simulation time, the local node state and the shared
// handles every layer needs. Time only advances through UpdateTime.
type Context struct {
	cfg    *Config
	stats  stats.Stats
	sender Sender

	state NodeState

	now    float64
	failed bool
	seq    uint32
}

// Now returns current simulation time in seconds
func (c *Context) Now() float64 {
	return c.now
}

// UpdateTime advances simulation time. It is called at the start of every
// entry point with the event's own timestamp. Regression is fatal: the
// context latches failed and the node refuses to execute further.
func (c *Context) UpdateTime(t float64) error {
	if c.failed {
		return fmt.Errorf("%w: node already stopped", ErrTimeRegression)
	}
	if t < c.now {
		c.failed = true
		c.stats.IncErr(cntTimeRegression)
		return fmt.Errorf("%w: %f is before %f", ErrTimeRegression, t, c.now)
	}
	c.now = t
	return nil
}

// State returns a copy of the local node state
func (c *Context) State() NodeState {
	return c.state
}

func (c *Context) nextSeq() uint32 {
	c.seq++
	return c.seq
}

// transmit encodes and sends a frame, stamping the next per-originator
// sequence number. Returns the sequence number used.
func (c *Context) transmit(p protocol.Packet) uint32 {
	seq := c.nextSeq()
	p.SetSequence(seq)
	b, err := protocol.Bytes(p)
	if err != nil {
		log.Errorf("marshalling %s: %v", p.MessageType(), err)
		c.stats.IncErr("marshal")
		return seq
	}
	c.sender.Send(b)
	c.stats.IncTX(p.MessageType())
	return seq
}

// transmitRaw re-emits an already encoded frame (forwarding path)
func (c *Context) transmitRaw(b []byte, t protocol.MessageType) {
	c.sender.Send(b)
	c.stats.IncFwd(t)
}
