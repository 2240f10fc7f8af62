// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package nats

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/perftree/internal/config"
)

func TestConnectWithNilConfigDisablesFeature(t *testing.T) {
	c, err := Connect(nil)
	require.NoError(t, err)
	require.Nil(t, c)
}

func TestConnectWithEmptyAddressDisablesFeature(t *testing.T) {
	c, err := Connect(&config.NATS{})
	require.NoError(t, err)
	require.Nil(t, c)
}

func TestFileReadyRoundTripsThroughJSON(t *testing.T) {
	r := FileReady{ProcessID: 42, PflwPath: "/out/process-42.pflw", LibmapPath: "/out/process-42.libmap"}
	data, err := json.Marshal(r)
	require.NoError(t, err)

	var got FileReady
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, r, got)
}
