// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package sharedtrace

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateAttachRoundTrip(t *testing.T) {
	name := Name("test-roundtrip")
	defer Unlink(name)

	writer, err := Create(name)
	require.NoError(t, err)
	defer writer.Detach()

	writer.Clear()
	require.EqualValues(t, 0, writer.TraceCount())

	littleEndianPutU32(writer.mem[addressesOffset:addressesOffset+4], 111)
	littleEndianPutU32(writer.mem[addressesOffset+4:addressesOffset+8], 222)
	littleEndianPutU32(writer.mem[hashOffset:hashOffset+4], Djb2([]byte("hi")))
	littleEndianPutU32(writer.mem[countOffset:countOffset+4], 2)

	reader, err := Attach(name)
	require.NoError(t, err)
	defer reader.Detach()

	require.EqualValues(t, 2, reader.TraceCount())
	require.Equal(t, []uint32{111, 222}, reader.ReadTrace())
	require.True(t, reader.VerifyInputHash([]byte("hi")))
	require.False(t, reader.VerifyInputHash([]byte("no")))
}

func TestReadTraceClampsToCapacity(t *testing.T) {
	name := Name("test-clamp")
	defer Unlink(name)

	c, err := Create(name)
	require.NoError(t, err)
	defer c.Detach()

	littleEndianPutU32(c.mem[countOffset:countOffset+4], MaxAddresses+100)
	require.Len(t, c.ReadTrace(), MaxAddresses)
}

func TestReadTraceEmpty(t *testing.T) {
	name := Name("test-empty")
	defer Unlink(name)

	c, err := Create(name)
	require.NoError(t, err)
	defer c.Detach()

	c.Clear()
	require.Nil(t, c.ReadTrace())
}

func TestDjb2(t *testing.T) {
	require.EqualValues(t, 5381, Djb2(nil))
	require.EqualValues(t, 5381*33+'a', Djb2([]byte("a")))
}
