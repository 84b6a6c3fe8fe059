package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitChangesAndCheckout(t *testing.T) {
	dir := t.TempDir()
	tr, err := New(filepath.Join(dir, ".koi"), nil, nil)
	require.NoError(t, err)

	target := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(target, []byte("package main\n"), 0o644))

	tr.TrackFile(target, "")
	assert.True(t, tr.HasPendingChanges())
	assert.Equal(t, []string{canonical(target)}, tr.PendingFiles())

	hash, err := tr.CommitChanges(context.Background(), "add main.go")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
	assert.False(t, tr.HasPendingChanges())
	assert.Equal(t, hash, tr.GetHead())

	history := tr.GetHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "add main.go", history[0].Summary)

	// Mutate again, then revert via checkout.
	require.NoError(t, os.WriteFile(target, []byte("package main\n\nfunc main() {}\n"), 0o644))
	summary, err := tr.CheckoutCommit(hash)
	require.NoError(t, err)
	assert.Contains(t, summary, hash)

	restored, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(restored))
}

func TestTrackFilePreservesFirstPreimage(t *testing.T) {
	dir := t.TempDir()
	tr, err := New(filepath.Join(dir, ".koi"), nil, nil)
	require.NoError(t, err)

	target := filepath.Join(dir, "a.txt")
	tr.TrackFile(target, "original")
	tr.TrackFile(target, "second-write-preimage-should-be-ignored")

	require.NoError(t, os.WriteFile(target, []byte("final"), 0o644))
	hash, err := tr.CommitChanges(context.Background(), "edit a.txt")
	require.NoError(t, err)

	diff, err := tr.GetCommitDiff(hash)
	require.NoError(t, err)
	assert.Contains(t, diff, "-original")
	assert.Contains(t, diff, "+final")
}

func TestConversationAndInputHistoryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tr, err := New(filepath.Join(dir, ".koi"), nil, nil)
	require.NoError(t, err)

	blank, err := tr.LoadConversation("alice")
	require.NoError(t, err)
	assert.Nil(t, blank)

	require.NoError(t, tr.SaveConversation("alice", []byte(`{"entries":[]}`)))
	loaded, err := tr.LoadConversation("alice")
	require.NoError(t, err)
	assert.JSONEq(t, `{"entries":[]}`, string(loaded))

	require.NoError(t, tr.SaveInputHistory([]string{"ls", "cd foo"}))
	hist, err := tr.LoadInputHistory()
	require.NoError(t, err)
	assert.Equal(t, []string{"ls", "cd foo"}, hist)
}

func TestAppendDialogueIsAppendOnly(t *testing.T) {
	dir := t.TempDir()
	tr, err := New(filepath.Join(dir, ".koi"), nil, nil)
	require.NoError(t, err)

	require.NoError(t, tr.AppendDialogue(DialogueEntry{Type: "user_message", Data: map[string]any{"text": "hi"}}))
	require.NoError(t, tr.AppendDialogue(DialogueEntry{Type: "agent_reply", Data: map[string]any{"text": "hello"}}))

	raw, err := os.ReadFile(filepath.Join(dir, ".koi", "dialogue.jsonl"))
	require.NoError(t, err)
	lines := 0
	for _, b := range raw {
		if b == '\n' {
			lines++
		}
	}
	assert.Equal(t, 2, lines)
}
