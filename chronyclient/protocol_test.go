/*
Copyright (c) rtcsync authors.

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

package chronyclient

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWireFloatDecode(t *testing.T) {
	cases := []struct {
		in  wireFloat
		out float64
	}{
		{in: wireFloat(0), out: 0.0},
		{in: wireFloat(17091950), out: -0.490620},
		{in: wireFloat(-90077357), out: 0.039435696},
	}

	for _, c := range cases {
		require.InDelta(t, c.out, c.in.toFloat(), 0.000001)
	}
}

func TestWireIPAddrToNetIP(t *testing.T) {
	var v4 wireIPAddr
	copy(v4.IP[:], net.IPv4(192, 168, 0, 10).To4())
	v4.Family = ipFamilyInet4
	require.Equal(t, net.IP([]byte{192, 168, 0, 10}), v4.toNetIP())

	var unspec wireIPAddr
	require.Nil(t, unspec.toNetIP())
}

func TestNewTrackingRequestUsesFixedSequence(t *testing.T) {
	req := newTrackingRequest()
	require.EqualValues(t, trackingSeq, req.Sequence)
	require.EqualValues(t, cmdTracking, req.Command)

	encoded, err := encodeTrackingRequest(req)
	require.NoError(t, err)
	require.NotEmpty(t, encoded)
}

func TestDecodeTrackingReplyRejectsBadStatus(t *testing.T) {
	reply := encodeTrackingReplyWithStatus(t, 1, 1 /* FAILED */)
	_, err := decodeTrackingReply(reply)
	require.Error(t, err)
}
