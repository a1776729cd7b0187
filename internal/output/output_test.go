package output

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableRendersRows(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	ui := &UI{Out: &buf, ErrOut: &buf}
	table := ui.Table([]string{"Offer", "Status"})
	require.NoError(t, table.Append([]string{"o1", StatusColor("accepted")}))
	require.NoError(t, table.Render())
	out := buf.String()
	assert.Contains(t, out, "o1")
	assert.Contains(t, out, "accepted")
}

func TestStatusLines(t *testing.T) {
	color.NoColor = true
	var out, errOut bytes.Buffer
	ui := &UI{Out: &out, ErrOut: &errOut}
	ui.Success("connected as %s", "w1")
	ui.Error("boom")
	assert.Contains(t, out.String(), "connected as w1")
	assert.Contains(t, errOut.String(), "boom")
	assert.Equal(t, "unknown", StatusColor("unknown"))
}
