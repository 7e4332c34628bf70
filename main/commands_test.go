// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ava-labs/substratevm/executor"
)

const testManifest = `{"instructions":[
	{"blueprint":"ResourceManager","function":"create","args":{"symbol":"XRD","amount":"100"},"bind":"xrd"},
	{"blueprint":"Account","function":"create","bind":"acct"},
	{"receiver":"$acct","function":"deposit","args":{"move":["$xrd"]}}
]}`

func executeCommand(t *testing.T, stdin string, args ...string) string {
	cmd, err := newRootCommand()
	require.NoError(t, err)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestVersionCommand(t *testing.T) {
	out := executeCommand(t, "", "version")
	require.Equal(t, name+"@"+Version.String()+"\n", out)
}

func TestRunCommand(t *testing.T) {
	require := require.New(t)
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(os.WriteFile(path, []byte(testManifest), 0o600))

	out := executeCommand(t, testManifest, "run", path, "-")

	decoder := json.NewDecoder(strings.NewReader(out))
	var receipts []executor.Receipt
	for decoder.More() {
		receipt := executor.Receipt{}
		require.NoError(decoder.Decode(&receipt))
		receipts = append(receipts, receipt)
	}
	require.Len(receipts, 2)
	require.Equal(executor.StatusCommitted, receipts[0].Status)
	require.Equal(uint64(1), receipts[0].Version)
	// Same bytes, same transaction id, so the second run derives the same
	// node ids and the resource already exists.
	require.Equal(receipts[0].TxID, receipts[1].TxID)
	require.Equal(executor.StatusRejected, receipts[1].Status)
}

func TestStateRootPersists(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	require.NoError(os.WriteFile(path, []byte(testManifest), 0o600))
	dbArgs := []string{"--db-type=leveldb", "--db-dir=" + filepath.Join(dir, "db")}

	executeCommand(t, "", append([]string{"run", path}, dbArgs...)...)
	out := executeCommand(t, "", append([]string{"state-root"}, dbArgs...)...)
	require.True(strings.HasPrefix(out, "1 "), out)
}

func TestRunMissingManifest(t *testing.T) {
	cmd, err := newRootCommand()
	require.NoError(t, err)
	cmd.SetArgs([]string{"run", filepath.Join(t.TempDir(), "missing.json")})
	require.Error(t, cmd.Execute())
}
