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

package devio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenPPSRejectsOutOfRangeID(t *testing.T) {
	_, err := OpenPPS(-1)
	require.Error(t, err)
	_, err = OpenPPS(256)
	require.Error(t, err)
}

func TestPPSCapabilityBitsMatchKernelABI(t *testing.T) {
	require.Equal(t, 0x01, ppsCaptureAssert)
	require.Equal(t, 0x10, ppsOffsetAssert)
	require.Equal(t, 0x100, ppsCanWait)
}
