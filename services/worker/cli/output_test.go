package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soheilrt/play-scraper/internal/domain"
)

func withOutput(t *testing.T, format string) {
	t.Helper()
	prev := outputFormat
	outputFormat = format
	t.Cleanup(func() { outputFormat = prev })
}

func TestPrintTasks_JSONWhenNotATerminal(t *testing.T) {
	withOutput(t, "auto")
	var buf bytes.Buffer

	require.NoError(t, printTasks(&buf, []*domain.Task{domain.NewTask("details", "a", nil)}))

	var got []*domain.Task
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "details:a", got[0].ID)
}

func TestPrintTasks_EmptyJSONArray(t *testing.T) {
	withOutput(t, "json")
	var buf bytes.Buffer
	require.NoError(t, printTasks(&buf, nil))
	assert.JSONEq(t, "[]", buf.String())
}

func TestPrintTasks_Table(t *testing.T) {
	withOutput(t, "table")
	var buf bytes.Buffer

	task := domain.NewTask("details", "com.example.a", nil)
	task.Status = domain.StatusDead
	task.Attempts = 3
	task.LastError = strings.Repeat("x", 100)
	require.NoError(t, printTasks(&buf, []*domain.Task{task}))

	out := buf.String()
	assert.Contains(t, out, "ATTEMPTS")
	assert.Contains(t, out, "details:com.example.a")
	assert.Contains(t, out, "dead")
	assert.Contains(t, out, "1 task(s)")
	assert.NotContains(t, out, strings.Repeat("x", 100))
}

func TestPrintFields_Table(t *testing.T) {
	withOutput(t, "table")
	var buf bytes.Buffer
	require.NoError(t, printFields(&buf, nil, [][2]string{{"holder", "worker-1"}}))
	assert.Contains(t, buf.String(), "worker-1")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
