// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package crash

import (
	"bytes"
	"testing"
	"time"

	"github.com/brightprogrammer/vector/pkg/graph"
	"github.com/brightprogrammer/vector/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestRecordSerializeRoundTrip(t *testing.T) {
	g := graph.New(graph.DefaultParams())
	g.UpdateGraphFromTrace(types.Trace{1, 2, 3})

	rec := New(2, 11, []string{"--", "/bin/target"}, types.Input{1, 2, 3}, types.Trace{1, 2, 3}, g)

	var buf bytes.Buffer
	require.NoError(t, BinarySerializer{}.Serialize(&buf, rec))

	got, err := BinarySerializer{}.Deserialize(&buf)
	require.NoError(t, err)

	require.Equal(t, rec.Signal, got.Signal)
	require.Equal(t, rec.ThreadID, got.ThreadID)
	require.Equal(t, rec.ArgvTail, got.ArgvTail)
	require.Equal(t, rec.Input, got.Input)
	require.Equal(t, rec.Trace, got.Trace)
	require.Equal(t, rec.ID, got.ID)
	require.NotEmpty(t, got.ID)
	require.True(t, got.Graph.HasNode(1))
}

func TestDeserializeRejectsEndiannessMismatch(t *testing.T) {
	g := graph.New(graph.DefaultParams())
	rec := New(1, 4, nil, types.Input{1}, types.Trace{1}, g)
	var buf bytes.Buffer
	require.NoError(t, BinarySerializer{}.Serialize(&buf, rec))

	raw := buf.Bytes()
	raw[0] ^= 1 // flip the endianness byte

	_, err := BinarySerializer{}.Deserialize(bytes.NewReader(raw))
	require.Error(t, err)
}

func TestFileNameFormat(t *testing.T) {
	g := graph.New(graph.DefaultParams())
	rec := New(3, 11, nil, types.Input{1}, types.Trace{1}, g)
	name := rec.FileName(time.Unix(1700000000, 0))
	require.Equal(t, "crash_thread3_sig11_1700000000.crash", name)
}
