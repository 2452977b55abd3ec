// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package seed

import (
	"os"
	"testing"

	"github.com/brightprogrammer/vector/pkg/knowledge"
	"github.com/stretchr/testify/require"
)

func TestLoadSeedsRejectsMissingDirectory(t *testing.T) {
	k, err := knowledge.New(knowledge.Settings{MaxHistoryCount: 2}, nil, nil)
	require.NoError(t, err)

	_, err = LoadSeedsFromDirectory("/nonexistent/seed/dir", k, nil)
	require.Error(t, err)
}

func TestLoadSeedsRejectsFileNotDirectory(t *testing.T) {
	k, err := knowledge.New(knowledge.Settings{MaxHistoryCount: 2}, nil, nil)
	require.NoError(t, err)

	file := t.TempDir() + "/not-a-dir"
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err = LoadSeedsFromDirectory(file, k, nil)
	require.Error(t, err)
}
