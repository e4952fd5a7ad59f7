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
	"errors"
	"fmt"
)

// ErrCodec is the sentinel all decode failures wrap. Receivers drop such
// frames and bump a counter; the error never travels further up.
var ErrCodec = errors.New("malformed frame")

// TTLMax is the wire-level cap on the ttl header field of forwardable
// frames. Decoding a forwardable frame with a larger ttl fails.
const TTLMax uint8 = 16

// Header is the fixed 15-byte big-endian frame header
type Header struct {
	MsgType    MessageType
	TTL        uint8
	SeqNum     uint32
	SenderID   NodeID // originator; never rewritten on forward
	PayloadLen uint16
}

// HeaderSize is the wire size of Header in bytes
const HeaderSize = 15

// header field offsets
const (
	offMsgType    = 0
	offTTL        = 2
	offSeqNum     = 3
	offSenderID   = 7
	offPayloadLen = 13
)

// MessageType returns the message kind of this frame
func (h *Header) MessageType() MessageType {
	return h.MsgType
}

// SetSequence populates the sequence number field
func (h *Header) SetSequence(seq uint32) {
	h.SeqNum = seq
}

func headerMarshalBinaryTo(h *Header, b []byte) int {
	binary.BigEndian.PutUint16(b[offMsgType:], uint16(h.MsgType))
	b[offTTL] = h.TTL
	binary.BigEndian.PutUint32(b[offSeqNum:], h.SeqNum)
	putNodeID(b[offSenderID:], h.SenderID)
	binary.BigEndian.PutUint16(b[offPayloadLen:], h.PayloadLen)
	return HeaderSize
}

func unmarshalHeader(h *Header, b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("%w: truncated header, got %d bytes", ErrCodec, len(b))
	}
	h.MsgType = MessageType(binary.BigEndian.Uint16(b[offMsgType:]))
	h.TTL = b[offTTL]
	h.SeqNum = binary.BigEndian.Uint32(b[offSeqNum:])
	h.SenderID = nodeID(b[offSenderID:])
	h.PayloadLen = binary.BigEndian.Uint16(b[offPayloadLen:])
	if int(h.PayloadLen)+HeaderSize != len(b) {
		return fmt.Errorf("%w: payload_len %d does not match %d body bytes", ErrCodec, h.PayloadLen, len(b)-HeaderSize)
	}
	if h.MsgType.Forwardable() && h.TTL > TTLMax {
		return fmt.Errorf("%w: ttl %d above maximum %d", ErrCodec, h.TTL, TTLMax)
	}
	return nil
}

// tlvScanner walks the ordered TLV sequence of a frame body
type tlvScanner struct {
	b   []byte
	pos int
}

// next returns the next TLV, or done=true at the end of the body
func (s *tlvScanner) next() (t TLVType, v []byte, done bool, err error) {
	if s.pos == len(s.b) {
		return 0, nil, true, nil
	}
	if s.pos+2 > len(s.b) {
		return 0, nil, false, fmt.Errorf("%w: truncated TLV head at offset %d", ErrCodec, s.pos)
	}
	t = TLVType(s.b[s.pos])
	l := int(s.b[s.pos+1])
	if s.pos+2+l > len(s.b) {
		return 0, nil, false, fmt.Errorf("%w: TLV %s length %d overruns body", ErrCodec, t, l)
	}
	v = s.b[s.pos+2 : s.pos+2+l]
	s.pos += 2 + l
	return t, v, false, nil
}

// tlvBuilder appends TLVs in canonical order into a body buffer
type tlvBuilder struct {
	buf []byte
}

func (w *tlvBuilder) raw(t TLVType, v []byte) {
	w.buf = append(w.buf, byte(t), byte(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *tlvBuilder) id(t TLVType, n NodeID) {
	var b [NodeIDLen]byte
	putNodeID(b[:], n)
	w.raw(t, b[:])
}

func (w *tlvBuilder) vec(t TLVType, v Vec2) {
	var b [vec2Len]byte
	putVec2(b[:], v)
	w.raw(t, b[:])
}

func (w *tlvBuilder) f64(t TLVType, f float64) {
	var b [8]byte
	putFloat64(b[:], f)
	w.raw(t, b[:])
}

func (w *tlvBuilder) u8(t TLVType, v uint8) {
	w.raw(t, []byte{v})
}

func (w *tlvBuilder) u64(t TLVType, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.raw(t, b[:])
}

func badTLVLen(t TLVType, want, got int) error {
	return fmt.Errorf("%w: TLV %s wants %d value bytes, got %d", ErrCodec, t, want, got)
}

// scalar TLV decode helpers. Each enforces the exact value length.

func tlvID(t TLVType, v []byte) (NodeID, error) {
	if len(v) != NodeIDLen {
		return 0, badTLVLen(t, NodeIDLen, len(v))
	}
	return nodeID(v), nil
}

func tlvVec(t TLVType, v []byte) (Vec2, error) {
	if len(v) != vec2Len {
		return Vec2{}, badTLVLen(t, vec2Len, len(v))
	}
	return vec2(v), nil
}

func tlvF64(t TLVType, v []byte) (float64, error) {
	if len(v) != 8 {
		return 0, badTLVLen(t, 8, len(v))
	}
	return float64FromBytes(v), nil
}

func tlvU8(t TLVType, v []byte) (uint8, error) {
	if len(v) != 1 {
		return 0, badTLVLen(t, 1, len(v))
	}
	return v[0], nil
}

func tlvU64(t TLVType, v []byte) (uint64, error) {
	if len(v) != 8 {
		return 0, badTLVLen(t, 8, len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}

// seenSet tracks scalar TLVs already decoded; per spec the first
// occurrence wins and later duplicates are ignored.
type seenSet uint64

func (s *seenSet) first(t TLVType) bool {
	bit := seenSet(1) << uint(t)
	if *s&bit != 0 {
		return false
	}
	*s |= bit
	return true
}

// LinkQoS carries per-link quality metrics advertised in HELLOs
type LinkQoS struct {
	ETX         float64
	JitterMS    float64
	RelSpeed    float64
	LaneWeight  float64
	Stability   float64
	BatteryPct  float64
	Willingness uint8
}

// HelloNeighbor is one entry of the HELLO one-hop neighbor list
type HelloNeighbor struct {
	ID         NodeID
	LinkStatus LinkStatus
	MPR        bool // sender selected this neighbor as MPR
	QoS        LinkQoS
}

const helloNeighborLen = NodeIDLen + 1 + 1 + 6*8 + 1 // 57

func putHelloNeighbor(b []byte, n *HelloNeighbor) {
	putNodeID(b, n.ID)
	b[6] = byte(n.LinkStatus)
	var flags uint8
	if n.MPR {
		flags |= NeighborFlagMPR
	}
	b[7] = flags
	putFloat64(b[8:], n.QoS.ETX)
	putFloat64(b[16:], n.QoS.JitterMS)
	putFloat64(b[24:], n.QoS.RelSpeed)
	putFloat64(b[32:], n.QoS.LaneWeight)
	putFloat64(b[40:], n.QoS.Stability)
	putFloat64(b[48:], n.QoS.BatteryPct)
	b[56] = n.QoS.Willingness
}

func helloNeighbor(v []byte) (HelloNeighbor, error) {
	if len(v) != helloNeighborLen+1 {
		return HelloNeighbor{}, badTLVLen(TLVNeighbor, helloNeighborLen+1, len(v))
	}
	return HelloNeighbor{
		ID:         nodeID(v),
		LinkStatus: LinkStatus(v[6]),
		MPR:        v[7]&NeighborFlagMPR != 0,
		QoS: LinkQoS{
			ETX:         float64FromBytes(v[8:]),
			JitterMS:    float64FromBytes(v[16:]),
			RelSpeed:    float64FromBytes(v[24:]),
			LaneWeight:  float64FromBytes(v[32:]),
			Stability:   float64FromBytes(v[40:]),
			BatteryPct:  float64FromBytes(v[48:]),
			Willingness: v[56],
		},
	}, nil
}

// Hello is the Layer A neighbor discovery frame
type Hello struct {
	Header
	Position     Vec2
	Velocity     Vec2
	BatteryPct   float64
	Willingness  uint8
	Provider     bool
	ShareableKWh float64 // provider only
	Direction    Vec2    // provider only
	Neighbors    []HelloNeighbor
}

func (p *Hello) body() []byte {
	w := &tlvBuilder{}
	w.vec(TLVPosition, p.Position)
	w.vec(TLVVelocity, p.Velocity)
	w.f64(TLVBattery, p.BatteryPct)
	w.u8(TLVWillingness, p.Willingness)
	if p.Provider {
		w.u8(TLVProviderFlag, 1)
		w.f64(TLVEnergy, p.ShareableKWh)
		w.vec(TLVDirection, p.Direction)
	}
	for i := range p.Neighbors {
		var b [helloNeighborLen + 1]byte
		putHelloNeighbor(b[:], &p.Neighbors[i])
		w.raw(TLVNeighbor, b[:])
	}
	return w.buf
}

// MarshalBinary converts packet to []bytes
func (p *Hello) MarshalBinary() ([]byte, error) {
	return marshalFrame(&p.Header, MessageHello, p.body())
}

// UnmarshalBinary populates the packet from wire bytes
func (p *Hello) UnmarshalBinary(b []byte) error {
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	var seen seenSet
	s := tlvScanner{b: b[HeaderSize:]}
	for {
		t, v, done, err := s.next()
		if done {
			return nil
		}
		if err != nil {
			return err
		}
		switch t {
		case TLVPosition:
			if seen.first(t) {
				if p.Position, err = tlvVec(t, v); err != nil {
					return err
				}
			}
		case TLVVelocity:
			if seen.first(t) {
				if p.Velocity, err = tlvVec(t, v); err != nil {
					return err
				}
			}
		case TLVBattery:
			if seen.first(t) {
				if p.BatteryPct, err = tlvF64(t, v); err != nil {
					return err
				}
			}
		case TLVWillingness:
			if seen.first(t) {
				if p.Willingness, err = tlvU8(t, v); err != nil {
					return err
				}
			}
		case TLVProviderFlag:
			if seen.first(t) {
				f, err := tlvU8(t, v)
				if err != nil {
					return err
				}
				p.Provider = f != 0
			}
		case TLVEnergy:
			if seen.first(t) {
				if p.ShareableKWh, err = tlvF64(t, v); err != nil {
					return err
				}
			}
		case TLVDirection:
			if seen.first(t) {
				if p.Direction, err = tlvVec(t, v); err != nil {
					return err
				}
			}
		case TLVNeighbor:
			n, err := helloNeighbor(v)
			if err != nil {
				return err
			}
			p.Neighbors = append(p.Neighbors, n)
		default:
			// unknown TLVs are skipped without error
		}
	}
}

// ProviderInfo is one entry of a PA body
type ProviderInfo struct {
	ID            NodeID
	Type          ProviderType
	Position      Vec2
	Destination   Vec2
	Direction     Vec2
	CarCount      uint8
	ShareableKWh  float64
	AvailabilityS float64
}

const providerInfoLen = NodeIDLen + 1 + 3*vec2Len + 1 + 8 + 8 // 72

func putProviderInfo(b []byte, e *ProviderInfo) {
	putNodeID(b, e.ID)
	b[6] = byte(e.Type)
	putVec2(b[7:], e.Position)
	putVec2(b[23:], e.Destination)
	putVec2(b[39:], e.Direction)
	b[55] = e.CarCount
	putFloat64(b[56:], e.ShareableKWh)
	putFloat64(b[64:], e.AvailabilityS)
}

func providerInfo(v []byte) (ProviderInfo, error) {
	if len(v) != providerInfoLen {
		return ProviderInfo{}, badTLVLen(TLVProvider, providerInfoLen, len(v))
	}
	return ProviderInfo{
		ID:            nodeID(v),
		Type:          ProviderType(v[6]),
		Position:      vec2(v[7:]),
		Destination:   vec2(v[23:]),
		Direction:     vec2(v[39:]),
		CarCount:      v[55],
		ShareableKWh:  float64FromBytes(v[56:]),
		AvailabilityS: float64FromBytes(v[64:]),
	}, nil
}

// PA is the multi-hop provider announcement frame
type PA struct {
	Header
	PreviousHop NodeID
	Providers   []ProviderInfo
}

func (p *PA) body() []byte {
	w := &tlvBuilder{}
	w.id(TLVPreviousHop, p.PreviousHop)
	for i := range p.Providers {
		var b [providerInfoLen]byte
		putProviderInfo(b[:], &p.Providers[i])
		w.raw(TLVProvider, b[:])
	}
	return w.buf
}

// MarshalBinary converts packet to []bytes
func (p *PA) MarshalBinary() ([]byte, error) {
	return marshalFrame(&p.Header, MessagePA, p.body())
}

// UnmarshalBinary populates the packet from wire bytes
func (p *PA) UnmarshalBinary(b []byte) error {
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	var seen seenSet
	s := tlvScanner{b: b[HeaderSize:]}
	for {
		t, v, done, err := s.next()
		if done {
			if !seen.first(TLVPreviousHop) {
				return nil
			}
			return fmt.Errorf("%w: PA without PREVIOUS_HOP", ErrCodec)
		}
		if err != nil {
			return err
		}
		switch t {
		case TLVPreviousHop:
			if seen.first(t) {
				if p.PreviousHop, err = tlvID(t, v); err != nil {
					return err
				}
			}
		case TLVProvider:
			e, err := providerInfo(v)
			if err != nil {
				return err
			}
			p.Providers = append(p.Providers, e)
		default:
		}
	}
}

// PlatoonAnnounce is the inter-platoon discovery frame
type PlatoonAnnounce struct {
	Header
	PreviousHop         NodeID
	PlatoonID           NodeID
	HeadID              NodeID
	Position            Vec2
	Destination         Vec2
	Direction           Vec2
	AvailableSlots      uint8
	SurplusKWh          float64
	FormationEfficiency float64
}

func (p *PlatoonAnnounce) body() []byte {
	w := &tlvBuilder{}
	w.id(TLVPreviousHop, p.PreviousHop)
	w.id(TLVPlatoonID, p.PlatoonID)
	w.id(TLVHeadID, p.HeadID)
	w.vec(TLVPosition, p.Position)
	w.vec(TLVDestination, p.Destination)
	w.vec(TLVDirection, p.Direction)
	w.u8(TLVSlots, p.AvailableSlots)
	w.f64(TLVSurplusEnergy, p.SurplusKWh)
	w.f64(TLVFormationEfficiency, p.FormationEfficiency)
	return w.buf
}

// MarshalBinary converts packet to []bytes
func (p *PlatoonAnnounce) MarshalBinary() ([]byte, error) {
	return marshalFrame(&p.Header, MessagePlatoonAnnounce, p.body())
}

// UnmarshalBinary populates the packet from wire bytes
func (p *PlatoonAnnounce) UnmarshalBinary(b []byte) error {
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	var seen seenSet
	s := tlvScanner{b: b[HeaderSize:]}
	for {
		t, v, done, err := s.next()
		if done {
			if !seen.first(TLVPreviousHop) {
				return nil
			}
			return fmt.Errorf("%w: PLATOON_ANNOUNCE without PREVIOUS_HOP", ErrCodec)
		}
		if err != nil {
			return err
		}
		if !seen.first(t) {
			continue
		}
		switch t {
		case TLVPreviousHop:
			p.PreviousHop, err = tlvID(t, v)
		case TLVPlatoonID:
			p.PlatoonID, err = tlvID(t, v)
		case TLVHeadID:
			p.HeadID, err = tlvID(t, v)
		case TLVPosition:
			p.Position, err = tlvVec(t, v)
		case TLVDestination:
			p.Destination, err = tlvVec(t, v)
		case TLVDirection:
			p.Direction, err = tlvVec(t, v)
		case TLVSlots:
			p.AvailableSlots, err = tlvU8(t, v)
		case TLVSurplusEnergy:
			p.SurplusKWh, err = tlvF64(t, v)
		case TLVFormationEfficiency:
			p.FormationEfficiency, err = tlvF64(t, v)
		}
		if err != nil {
			return err
		}
	}
}

// JoinOffer opens the charging handshake, consumer to provider
type JoinOffer struct {
	Header
	Target      NodeID
	RequiredKWh float64
	Position    Vec2
	Deadline    float64 // absolute sim seconds the consumer needs energy by
}

func (p *JoinOffer) body() []byte {
	w := &tlvBuilder{}
	w.id(TLVTarget, p.Target)
	w.f64(TLVRequiredEnergy, p.RequiredKWh)
	w.vec(TLVPosition, p.Position)
	w.f64(TLVDeadline, p.Deadline)
	return w.buf
}

// MarshalBinary converts packet to []bytes
func (p *JoinOffer) MarshalBinary() ([]byte, error) {
	return marshalFrame(&p.Header, MessageJoinOffer, p.body())
}

// UnmarshalBinary populates the packet from wire bytes
func (p *JoinOffer) UnmarshalBinary(b []byte) error {
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	var seen seenSet
	s := tlvScanner{b: b[HeaderSize:]}
	for {
		t, v, done, err := s.next()
		if done {
			return nil
		}
		if err != nil {
			return err
		}
		if !seen.first(t) {
			continue
		}
		switch t {
		case TLVTarget:
			p.Target, err = tlvID(t, v)
		case TLVRequiredEnergy:
			p.RequiredKWh, err = tlvF64(t, v)
		case TLVPosition:
			p.Position, err = tlvVec(t, v)
		case TLVDeadline:
			p.Deadline, err = tlvF64(t, v)
		}
		if err != nil {
			return err
		}
	}
}

// JoinAccept is the provider's answer to a JoinOffer
type JoinAccept struct {
	Header
	Target        NodeID
	SessionID     uint64
	OfferedKWh    float64
	MeetingPoint  Vec2
	AvailabilityS float64
}

func (p *JoinAccept) body() []byte {
	w := &tlvBuilder{}
	w.id(TLVTarget, p.Target)
	w.u64(TLVSessionID, p.SessionID)
	w.f64(TLVOfferedEnergy, p.OfferedKWh)
	w.vec(TLVMeetingPoint, p.MeetingPoint)
	w.f64(TLVAvailability, p.AvailabilityS)
	return w.buf
}

// MarshalBinary converts packet to []bytes
func (p *JoinAccept) MarshalBinary() ([]byte, error) {
	return marshalFrame(&p.Header, MessageJoinAccept, p.body())
}

// UnmarshalBinary populates the packet from wire bytes
func (p *JoinAccept) UnmarshalBinary(b []byte) error {
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	var seen seenSet
	s := tlvScanner{b: b[HeaderSize:]}
	for {
		t, v, done, err := s.next()
		if done {
			return nil
		}
		if err != nil {
			return err
		}
		if !seen.first(t) {
			continue
		}
		switch t {
		case TLVTarget:
			p.Target, err = tlvID(t, v)
		case TLVSessionID:
			p.SessionID, err = tlvU64(t, v)
		case TLVOfferedEnergy:
			p.OfferedKWh, err = tlvF64(t, v)
		case TLVMeetingPoint:
			p.MeetingPoint, err = tlvVec(t, v)
		case TLVAvailability:
			p.AvailabilityS, err = tlvF64(t, v)
		}
		if err != nil {
			return err
		}
	}
}

// Ack confirms a JoinAccept, consumer to provider
type Ack struct {
	Header
	Target    NodeID
	SessionID uint64
}

func (p *Ack) body() []byte {
	w := &tlvBuilder{}
	w.id(TLVTarget, p.Target)
	w.u64(TLVSessionID, p.SessionID)
	return w.buf
}

// MarshalBinary converts packet to []bytes
func (p *Ack) MarshalBinary() ([]byte, error) {
	return marshalFrame(&p.Header, MessageAck, p.body())
}

// UnmarshalBinary populates the packet from wire bytes
func (p *Ack) UnmarshalBinary(b []byte) error {
	return unmarshalAckLike(&p.Header, &p.Target, &p.SessionID, b)
}

// AckAck completes the four-way handshake, provider to consumer
type AckAck struct {
	Header
	Target    NodeID
	SessionID uint64
}

func (p *AckAck) body() []byte {
	w := &tlvBuilder{}
	w.id(TLVTarget, p.Target)
	w.u64(TLVSessionID, p.SessionID)
	return w.buf
}

// MarshalBinary converts packet to []bytes
func (p *AckAck) MarshalBinary() ([]byte, error) {
	return marshalFrame(&p.Header, MessageAckAck, p.body())
}

// UnmarshalBinary populates the packet from wire bytes
func (p *AckAck) UnmarshalBinary(b []byte) error {
	return unmarshalAckLike(&p.Header, &p.Target, &p.SessionID, b)
}

func unmarshalAckLike(h *Header, target *NodeID, session *uint64, b []byte) error {
	if err := unmarshalHeader(h, b); err != nil {
		return err
	}
	var seen seenSet
	s := tlvScanner{b: b[HeaderSize:]}
	for {
		t, v, done, err := s.next()
		if done {
			return nil
		}
		if err != nil {
			return err
		}
		if !seen.first(t) {
			continue
		}
		switch t {
		case TLVTarget:
			*target, err = tlvID(t, v)
		case TLVSessionID:
			*session, err = tlvU64(t, v)
		}
		if err != nil {
			return err
		}
	}
}

// MemberInfo is one member entry in a PLATOON_BEACON topology vector
type MemberInfo struct {
	ID          NodeID
	RelIndex    uint8
	RelPosition Vec2
	BatteryPct  float64
}

const memberInfoLen = NodeIDLen + 1 + vec2Len + 8 // 31

func putMemberInfo(b []byte, m *MemberInfo) {
	putNodeID(b, m.ID)
	b[6] = m.RelIndex
	putVec2(b[7:], m.RelPosition)
	putFloat64(b[23:], m.BatteryPct)
}

func memberInfo(v []byte) (MemberInfo, error) {
	if len(v) != memberInfoLen {
		return MemberInfo{}, badTLVLen(TLVMember, memberInfoLen, len(v))
	}
	return MemberInfo{
		ID:          nodeID(v),
		RelIndex:    v[6],
		RelPosition: vec2(v[7:]),
		BatteryPct:  float64FromBytes(v[23:]),
	}, nil
}

// FormationTarget is one advisory target of the FORMATION TLV list
type FormationTarget struct {
	ID     NodeID
	Target Vec2
}

const formationTargetLen = NodeIDLen + vec2Len // 22

func putFormationTarget(b []byte, f *FormationTarget) {
	putNodeID(b, f.ID)
	putVec2(b[6:], f.Target)
}

func formationTarget(v []byte) (FormationTarget, error) {
	if len(v) != formationTargetLen {
		return FormationTarget{}, badTLVLen(TLVFormation, formationTargetLen, len(v))
	}
	return FormationTarget{ID: nodeID(v), Target: vec2(v[6:])}, nil
}

// PlatoonBeacon is the intra-platoon head broadcast. A beacon carrying a
// non-zero NewHead transfers platoon ownership.
type PlatoonBeacon struct {
	Header
	PlatoonID      NodeID
	HeadID         NodeID
	Position       Vec2
	Velocity       Vec2
	AvailableSlots uint8
	Members        []MemberInfo
	Formation      []FormationTarget
	NewHead        NodeID
}

func (p *PlatoonBeacon) body() []byte {
	w := &tlvBuilder{}
	w.id(TLVPlatoonID, p.PlatoonID)
	w.id(TLVHeadID, p.HeadID)
	w.vec(TLVPosition, p.Position)
	w.vec(TLVVelocity, p.Velocity)
	w.u8(TLVSlots, p.AvailableSlots)
	for i := range p.Members {
		var b [memberInfoLen]byte
		putMemberInfo(b[:], &p.Members[i])
		w.raw(TLVMember, b[:])
	}
	for i := range p.Formation {
		var b [formationTargetLen]byte
		putFormationTarget(b[:], &p.Formation[i])
		w.raw(TLVFormation, b[:])
	}
	if p.NewHead != 0 {
		w.id(TLVNewHead, p.NewHead)
	}
	return w.buf
}

// MarshalBinary converts packet to []bytes
func (p *PlatoonBeacon) MarshalBinary() ([]byte, error) {
	return marshalFrame(&p.Header, MessagePlatoonBeacon, p.body())
}

// UnmarshalBinary populates the packet from wire bytes
func (p *PlatoonBeacon) UnmarshalBinary(b []byte) error {
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	var seen seenSet
	s := tlvScanner{b: b[HeaderSize:]}
	for {
		t, v, done, err := s.next()
		if done {
			return nil
		}
		if err != nil {
			return err
		}
		switch t {
		case TLVMember:
			m, err := memberInfo(v)
			if err != nil {
				return err
			}
			p.Members = append(p.Members, m)
			continue
		case TLVFormation:
			f, err := formationTarget(v)
			if err != nil {
				return err
			}
			p.Formation = append(p.Formation, f)
			continue
		}
		if !seen.first(t) {
			continue
		}
		switch t {
		case TLVPlatoonID:
			p.PlatoonID, err = tlvID(t, v)
		case TLVHeadID:
			p.HeadID, err = tlvID(t, v)
		case TLVPosition:
			p.Position, err = tlvVec(t, v)
		case TLVVelocity:
			p.Velocity, err = tlvVec(t, v)
		case TLVSlots:
			p.AvailableSlots, err = tlvU8(t, v)
		case TLVNewHead:
			p.NewHead, err = tlvID(t, v)
		}
		if err != nil {
			return err
		}
	}
}

// PlatoonStatus is the member-to-head periodic report
type PlatoonStatus struct {
	Header
	PlatoonID   NodeID
	BatteryPct  float64
	RelIndex    uint8
	ReceiveRate float64 // estimated wireless energy receive rate, kW
	Position    Vec2
}

func (p *PlatoonStatus) body() []byte {
	w := &tlvBuilder{}
	w.id(TLVPlatoonID, p.PlatoonID)
	w.f64(TLVBattery, p.BatteryPct)
	w.u8(TLVRelIndex, p.RelIndex)
	w.f64(TLVReceiveRate, p.ReceiveRate)
	w.vec(TLVPosition, p.Position)
	return w.buf
}

// MarshalBinary converts packet to []bytes
func (p *PlatoonStatus) MarshalBinary() ([]byte, error) {
	return marshalFrame(&p.Header, MessagePlatoonStatus, p.body())
}

// UnmarshalBinary populates the packet from wire bytes
func (p *PlatoonStatus) UnmarshalBinary(b []byte) error {
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	var seen seenSet
	s := tlvScanner{b: b[HeaderSize:]}
	for {
		t, v, done, err := s.next()
		if done {
			return nil
		}
		if err != nil {
			return err
		}
		if !seen.first(t) {
			continue
		}
		switch t {
		case TLVPlatoonID:
			p.PlatoonID, err = tlvID(t, v)
		case TLVBattery:
			p.BatteryPct, err = tlvF64(t, v)
		case TLVRelIndex:
			p.RelIndex, err = tlvU8(t, v)
		case TLVReceiveRate:
			p.ReceiveRate, err = tlvF64(t, v)
		case TLVPosition:
			p.Position, err = tlvVec(t, v)
		}
		if err != nil {
			return err
		}
	}
}

// GridStatus is the multi-hop RREH state broadcast
type GridStatus struct {
	Header
	PreviousHop  NodeID
	State        GridState
	QueueLen     uint8
	AvailableKWh float64
	Position     Vec2
}

func (p *GridStatus) body() []byte {
	w := &tlvBuilder{}
	w.id(TLVPreviousHop, p.PreviousHop)
	w.u8(TLVGridState, uint8(p.State))
	w.u8(TLVQueueLen, p.QueueLen)
	w.f64(TLVEnergy, p.AvailableKWh)
	w.vec(TLVPosition, p.Position)
	return w.buf
}

// MarshalBinary converts packet to []bytes
func (p *GridStatus) MarshalBinary() ([]byte, error) {
	return marshalFrame(&p.Header, MessageGridStatus, p.body())
}

// UnmarshalBinary populates the packet from wire bytes
func (p *GridStatus) UnmarshalBinary(b []byte) error {
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	var seen seenSet
	s := tlvScanner{b: b[HeaderSize:]}
	for {
		t, v, done, err := s.next()
		if done {
			if !seen.first(TLVPreviousHop) {
				return nil
			}
			return fmt.Errorf("%w: GRID_STATUS without PREVIOUS_HOP", ErrCodec)
		}
		if err != nil {
			return err
		}
		if !seen.first(t) {
			continue
		}
		switch t {
		case TLVPreviousHop:
			p.PreviousHop, err = tlvID(t, v)
		case TLVGridState:
			var st uint8
			st, err = tlvU8(t, v)
			p.State = GridState(st)
		case TLVQueueLen:
			p.QueueLen, err = tlvU8(t, v)
		case TLVEnergy:
			p.AvailableKWh, err = tlvF64(t, v)
		case TLVPosition:
			p.Position, err = tlvVec(t, v)
		}
		if err != nil {
			return err
		}
	}
}

// Packet is an interface to abstract all different frames
type Packet interface {
	MessageType() MessageType
	SetSequence(uint32)
	MarshalBinary() ([]byte, error)
}

func marshalFrame(h *Header, t MessageType, body []byte) ([]byte, error) {
	if len(body) > 0xffff {
		return nil, fmt.Errorf("body of %s too long: %d bytes", t, len(body))
	}
	h.MsgType = t
	h.PayloadLen = uint16(len(body))
	b := make([]byte, HeaderSize+len(body))
	headerMarshalBinaryTo(h, b)
	copy(b[HeaderSize:], body)
	return b, nil
}

// Bytes converts any packet to []bytes
func Bytes(p Packet) ([]byte, error) {
	return p.MarshalBinary()
}

// FromBytes parses []byte into the given packet
func FromBytes(rawBytes []byte, p Packet) error {
	u, ok := p.(interface{ UnmarshalBinary([]byte) error })
	if !ok {
		return fmt.Errorf("packet %s does not support unmarshalling", p.MessageType())
	}
	return u.UnmarshalBinary(rawBytes)
}

// ProbeMsgType reads the first header bytes and returns the MessageType
func ProbeMsgType(data []byte) (MessageType, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("%w: not enough data to probe MsgType", ErrCodec)
	}
	return MessageType(binary.BigEndian.Uint16(data)), nil
}

// DecodePacket provides a single entry point to try and decode any []bytes
// into an MVCCP frame. The caller can then switch on the concrete type.
func DecodePacket(b []byte) (Packet, error) {
	msgType, err := ProbeMsgType(b)
	if err != nil {
		return nil, err
	}
	var p Packet
	switch msgType {
	case MessageHello:
		p = &Hello{}
	case MessagePA:
		p = &PA{}
	case MessagePlatoonAnnounce:
		p = &PlatoonAnnounce{}
	case MessageJoinOffer:
		p = &JoinOffer{}
	case MessageJoinAccept:
		p = &JoinAccept{}
	case MessageAck:
		p = &Ack{}
	case MessageAckAck:
		p = &AckAck{}
	case MessagePlatoonBeacon:
		p = &PlatoonBeacon{}
	case MessagePlatoonStatus:
		p = &PlatoonStatus{}
	case MessageGridStatus:
		p = &GridStatus{}
	default:
		return nil, fmt.Errorf("%w: unsupported type 0x%04x", ErrCodec, uint16(msgType))
	}
	if err := FromBytes(b, p); err != nil {
		return nil, err
	}
	return p, nil
}
