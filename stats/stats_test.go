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

package stats

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aevnet/mvccp/protocol"
)

func TestJSONStatsCounters(t *testing.T) {
	s := NewJSONStats()
	s.IncRX(protocol.MessageHello)
	s.IncRX(protocol.MessageHello)
	s.IncTX(protocol.MessagePA)
	s.IncFwd(protocol.MessagePA)
	s.IncDrop("codec")
	s.IncErr("accept_timeout")
	s.SetGauge("neighbors", 4)

	require.Equal(t, int64(2), s.Get(RXPrefix+"HELLO"))
	require.Equal(t, int64(1), s.Get(TXPrefix+"PA"))
	require.Equal(t, int64(1), s.Get(FwdPrefix+"PA"))
	require.Equal(t, int64(1), s.Get(DropPrefix+"codec"))
	require.Equal(t, int64(1), s.Get(ErrPrefix+"accept_timeout"))
	require.Equal(t, int64(4), s.Get(GaugePrefix+"neighbors"))

	keys := s.Keys()
	require.Len(t, keys, 6)
	// sorted
	for i := 1; i < len(keys); i++ {
		require.Less(t, keys[i-1], keys[i])
	}
}

func TestJSONStatsHandler(t *testing.T) {
	s := NewJSONStats()
	s.IncRX(protocol.MessageHello)

	// nothing reported before a snapshot
	w := httptest.NewRecorder()
	s.handleRequest(w, nil)
	var got map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Empty(t, got)

	s.Snapshot()
	s.IncRX(protocol.MessageHello) // not part of the snapshot
	w = httptest.NewRecorder()
	s.handleRequest(w, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, int64(1), got[RXPrefix+"HELLO"])
}

func TestFlattenKey(t *testing.T) {
	require.Equal(t, "mvccp_rx_hello", flattenKey("mvccp.rx.HELLO"))
	require.Equal(t, "mvccp_drops_time_regression", flattenKey("mvccp.drops.time-regression"))
}
