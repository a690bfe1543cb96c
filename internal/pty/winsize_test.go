package pty

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGeometryWinsizeRoundTrip(t *testing.T) {
	g := Geometry{Rows: 50, Cols: 132, CellWidthPx: 7, CellHeightPx: 14}

	ws := g.winsize()
	assert.Equal(t, uint16(50), ws.Row)
	assert.Equal(t, uint16(132), ws.Col)
	assert.Equal(t, uint16(7), ws.Xpixel)
	assert.Equal(t, uint16(14), ws.Ypixel)

	assert.Equal(t, g, geometryFromWinsize(ws))
}
