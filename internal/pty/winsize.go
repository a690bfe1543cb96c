package pty

import "golang.org/x/sys/unix"

// Geometry is a terminal grid size together with the pixel dimensions of a
// single cell.
type Geometry struct {
	Rows         uint16
	Cols         uint16
	CellWidthPx  uint16
	CellHeightPx uint16
}

func (g Geometry) winsize() *unix.Winsize {
	return &unix.Winsize{
		Row:    g.Rows,
		Col:    g.Cols,
		Xpixel: g.CellWidthPx,
		Ypixel: g.CellHeightPx,
	}
}

func geometryFromWinsize(ws *unix.Winsize) Geometry {
	return Geometry{
		Rows:         ws.Row,
		Cols:         ws.Col,
		CellWidthPx:  ws.Xpixel,
		CellHeightPx: ws.Ypixel,
	}
}
