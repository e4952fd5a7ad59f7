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

package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
)

// WireVersion is the version of the MVCCP wire format implemented here.
// There is no on-wire version octet; a future revision claims a new
// message type range.
const WireVersion uint8 = 1

// NodeID identifies a node on the VANET. Only the lower 48 bits are
// meaningful; they are carried as 6 bytes on the wire.
type NodeID uint64

// NodeIDLen is the number of bytes a NodeID occupies on the wire
const NodeIDLen = 6

// NodeIDMask keeps the 48 meaningful bits of a NodeID
const NodeIDMask NodeID = 0xffffffffffff

// String formats NodeID the way MAC addresses are usually printed
func (n NodeID) String() string {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[2], b[3], b[4], b[5], b[6], b[7])
}

// NewNodeID creates a NodeID from a MAC address. EUI-48 is assumed.
func NewNodeID(mac net.HardwareAddr) (NodeID, error) {
	if len(mac) != 6 {
		return 0, fmt.Errorf("unsupported MAC %v, must be EUI48", mac)
	}
	b := [8]byte{}
	copy(b[2:], mac)
	return NodeID(binary.BigEndian.Uint64(b[:])), nil
}

func putNodeID(b []byte, n NodeID) {
	b[0] = byte(n >> 40)
	b[1] = byte(n >> 32)
	b[2] = byte(n >> 24)
	b[3] = byte(n >> 16)
	b[4] = byte(n >> 8)
	b[5] = byte(n)
}

func nodeID(b []byte) NodeID {
	return NodeID(b[5]) | NodeID(b[4])<<8 | NodeID(b[3])<<16 |
		NodeID(b[2])<<24 | NodeID(b[1])<<32 | NodeID(b[0])<<40
}

// MessageType is type for Message Types
type MessageType uint16

// MVCCP message kinds
const (
	MessageHello           MessageType = 0x0001
	MessagePA              MessageType = 0x0002
	MessagePlatoonAnnounce MessageType = 0x0003
	MessageJoinOffer       MessageType = 0x0004
	MessageJoinAccept      MessageType = 0x0005
	MessageAck             MessageType = 0x0006
	MessageAckAck          MessageType = 0x0007
	MessagePlatoonBeacon   MessageType = 0x0008
	MessagePlatoonStatus   MessageType = 0x0009
	MessageGridStatus      MessageType = 0x000a
)

// MessageTypeToString is a map from MessageType to string
var MessageTypeToString = map[MessageType]string{
	MessageHello:           "HELLO",
	MessagePA:              "PA",
	MessagePlatoonAnnounce: "PLATOON_ANNOUNCE",
	MessageJoinOffer:       "JOIN_OFFER",
	MessageJoinAccept:      "JOIN_ACCEPT",
	MessageAck:             "ACK",
	MessageAckAck:          "ACKACK",
	MessagePlatoonBeacon:   "PLATOON_BEACON",
	MessagePlatoonStatus:   "PLATOON_STATUS",
	MessageGridStatus:      "GRID_STATUS",
}

func (m MessageType) String() string {
	return MessageTypeToString[m]
}

// Forwardable reports whether frames of this kind travel more than one
// hop. Forwardable kinds must carry the PREVIOUS_HOP TLV.
func (m MessageType) Forwardable() bool {
	switch m {
	case MessagePA, MessagePlatoonAnnounce, MessageGridStatus:
		return true
	}
	return false
}

// TLVType is type for TLV types
type TLVType uint8

// TLV type assignments. The assignment is stable; changing a value is a
// wire format break.
const (
	TLVPosition            TLVType = 0x01
	TLVVelocity            TLVType = 0x02
	TLVBattery             TLVType = 0x03
	TLVEnergy              TLVType = 0x04
	TLVWillingness         TLVType = 0x05
	TLVProviderFlag        TLVType = 0x06
	TLVNeighbor            TLVType = 0x07 // list TLV, repetition allowed
	TLVPreviousHop         TLVType = 0x08
	TLVProvider            TLVType = 0x09 // list TLV, repetition allowed
	TLVTarget              TLVType = 0x0a
	TLVSessionID           TLVType = 0x0b
	TLVRequiredEnergy      TLVType = 0x0c
	TLVOfferedEnergy       TLVType = 0x0d
	TLVMeetingPoint        TLVType = 0x0e
	TLVAvailability        TLVType = 0x0f
	TLVPlatoonID           TLVType = 0x10
	TLVHeadID              TLVType = 0x11
	TLVDestination         TLVType = 0x12
	TLVDirection           TLVType = 0x13
	TLVSlots               TLVType = 0x14
	TLVSurplusEnergy       TLVType = 0x15
	TLVFormationEfficiency TLVType = 0x16
	TLVMember              TLVType = 0x17 // list TLV, repetition allowed
	TLVFormation           TLVType = 0x18 // list TLV, repetition allowed
	TLVRelIndex            TLVType = 0x19
	TLVReceiveRate         TLVType = 0x1a
	TLVGridState           TLVType = 0x1b
	TLVQueueLen            TLVType = 0x1c
	TLVDeadline            TLVType = 0x1d
	TLVNewHead             TLVType = 0x1e
)

// TLVTypeToString is a map from TLVType to string
var TLVTypeToString = map[TLVType]string{
	TLVPosition:            "POSITION",
	TLVVelocity:            "VELOCITY",
	TLVBattery:             "BATTERY",
	TLVEnergy:              "ENERGY",
	TLVWillingness:         "WILLINGNESS",
	TLVProviderFlag:        "PROVIDER_FLAG",
	TLVNeighbor:            "NEIGHBOR",
	TLVPreviousHop:         "PREVIOUS_HOP",
	TLVProvider:            "PROVIDER",
	TLVTarget:              "TARGET",
	TLVSessionID:           "SESSION_ID",
	TLVRequiredEnergy:      "REQUIRED_ENERGY",
	TLVOfferedEnergy:       "OFFERED_ENERGY",
	TLVMeetingPoint:        "MEETING_POINT",
	TLVAvailability:        "AVAILABILITY",
	TLVPlatoonID:           "PLATOON_ID",
	TLVHeadID:              "HEAD_ID",
	TLVDestination:         "DESTINATION",
	TLVDirection:           "DIRECTION",
	TLVSlots:               "SLOTS",
	TLVSurplusEnergy:       "SURPLUS_ENERGY",
	TLVFormationEfficiency: "FORMATION_EFFICIENCY",
	TLVMember:              "MEMBER",
	TLVFormation:           "FORMATION",
	TLVRelIndex:            "REL_INDEX",
	TLVReceiveRate:         "RECEIVE_RATE",
	TLVGridState:           "GRID_STATE",
	TLVQueueLen:            "QUEUE_LEN",
	TLVDeadline:            "DEADLINE",
	TLVNewHead:             "NEW_HEAD",
}

func (t TLVType) String() string {
	return TLVTypeToString[t]
}

// Vec2 is a 2-D vector in road coordinates, meters or meters/second
// depending on context
type Vec2 struct {
	X float64
	Y float64
}

// Sub returns v - u
func (v Vec2) Sub(u Vec2) Vec2 {
	return Vec2{X: v.X - u.X, Y: v.Y - u.Y}
}

// Add returns v + u
func (v Vec2) Add(u Vec2) Vec2 {
	return Vec2{X: v.X + u.X, Y: v.Y + u.Y}
}

// Norm returns the euclidean length of v
func (v Vec2) Norm() float64 {
	return math.Hypot(v.X, v.Y)
}

// Unit returns v scaled to length 1, or the zero vector if v is zero
func (v Vec2) Unit() Vec2 {
	n := v.Norm()
	if n == 0 {
		return Vec2{}
	}
	return Vec2{X: v.X / n, Y: v.Y / n}
}

// Dot returns the dot product of v and u
func (v Vec2) Dot(u Vec2) float64 {
	return v.X*u.X + v.Y*u.Y
}

// Distance returns the euclidean distance between two points
func Distance(a, b Vec2) float64 {
	return a.Sub(b).Norm()
}

const vec2Len = 16

func putVec2(b []byte, v Vec2) {
	binary.BigEndian.PutUint64(b, math.Float64bits(v.X))
	binary.BigEndian.PutUint64(b[8:], math.Float64bits(v.Y))
}

func vec2(b []byte) Vec2 {
	return Vec2{
		X: math.Float64frombits(binary.BigEndian.Uint64(b)),
		Y: math.Float64frombits(binary.BigEndian.Uint64(b[8:])),
	}
}

func putFloat64(b []byte, f float64) {
	binary.BigEndian.PutUint64(b, math.Float64bits(f))
}

func float64FromBytes(b []byte) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(b))
}

// ProviderType classifies an energy provider
type ProviderType uint8

// Provider types carried in PROVIDER TLVs
const (
	ProviderMP   ProviderType = 1 // mobile provider
	ProviderPH   ProviderType = 2 // platoon head
	ProviderRREH ProviderType = 3 // roadside renewable energy hub
)

// ProviderTypeToString is a map from ProviderType to string
var ProviderTypeToString = map[ProviderType]string{
	ProviderMP:   "MP",
	ProviderPH:   "PH",
	ProviderRREH: "RREH",
}

func (p ProviderType) String() string {
	return ProviderTypeToString[p]
}

// LinkStatus describes the state of a link advertised in a HELLO
type LinkStatus uint8

// Link statuses
const (
	LinkHeard     LinkStatus = 1
	LinkSymmetric LinkStatus = 2
	LinkLost      LinkStatus = 3
)

// LinkStatusToString is a map from LinkStatus to string
var LinkStatusToString = map[LinkStatus]string{
	LinkHeard:     "HEARD",
	LinkSymmetric: "SYM",
	LinkLost:      "LOST",
}

func (l LinkStatus) String() string {
	return LinkStatusToString[l]
}

// neighbor TLV flag bits
const (
	// NeighborFlagMPR is set when the HELLO sender selected this
	// neighbor as one of its MPRs
	NeighborFlagMPR uint8 = 1 << 0
)

// GridState is the operational state advertised by an RREH
type GridState uint8

// Grid states
const (
	GridOnline    GridState = 1
	GridCongested GridState = 2
	GridLimited   GridState = 3
	GridOffline   GridState = 4
)

// GridStateToString is a map from GridState to string
var GridStateToString = map[GridState]string{
	GridOnline:    "ONLINE",
	GridCongested: "CONGESTED",
	GridLimited:   "LIMITED",
	GridOffline:   "OFFLINE",
}

func (g GridState) String() string {
	return GridStateToString[g]
}
