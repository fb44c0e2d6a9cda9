package nodes

import (
	"math/rand"

	coreerrors "github.com/adalundhe/meanfield/core/errors"
)

// Mask marks which cells of an observation matrix carry data. A false cell
// contributes no evidence anywhere: the factor sends zero messages for it
// and it adds nothing to the bound.
type Mask struct {
	rows, cols int
	cells      []bool
}

// FullMask returns a mask with every cell observed.
func FullMask(rows, cols int) *Mask {
	cells := make([]bool, rows*cols)
	for i := range cells {
		cells[i] = true
	}
	return &Mask{rows: rows, cols: cols, cells: cells}
}

// EmptyMask returns a mask with no cell observed.
func EmptyMask(rows, cols int) *Mask {
	return &Mask{rows: rows, cols: cols, cells: make([]bool, rows*cols)}
}

// NewMask builds a mask from row-major cells.
func NewMask(rows, cols int, cells []bool) (*Mask, error) {
	if len(cells) != rows*cols {
		return nil, coreerrors.Shape("mask", "", "got %d cells, want %d×%d", len(cells), rows, cols)
	}
	out := make([]bool, len(cells))
	copy(out, cells)
	return &Mask{rows: rows, cols: cols, cells: out}, nil
}

// RandomMask observes each cell independently with the given probability.
func RandomMask(rows, cols int, observedFraction float64, rng *rand.Rand) *Mask {
	cells := make([]bool, rows*cols)
	for i := range cells {
		cells[i] = rng.Float64() < observedFraction
	}
	return &Mask{rows: rows, cols: cols, cells: cells}
}

// Rows returns the number of rows.
func (m *Mask) Rows() int { return m.rows }

// Cols returns the number of columns.
func (m *Mask) Cols() int { return m.cols }

// Observed reports whether cell (i, j) carries data.
func (m *Mask) Observed(i, j int) bool {
	return m.cells[i*m.cols+j]
}

// Count returns the number of observed cells.
func (m *Mask) Count() int {
	var n int
	for _, c := range m.cells {
		if c {
			n++
		}
	}
	return n
}

// RowCount returns the number of observed cells in row i.
func (m *Mask) RowCount(i int) int {
	var n int
	for j := 0; j < m.cols; j++ {
		if m.cells[i*m.cols+j] {
			n++
		}
	}
	return n
}

// ColCount returns the number of observed cells in column j.
func (m *Mask) ColCount(j int) int {
	var n int
	for i := 0; i < m.rows; i++ {
		if m.cells[i*m.cols+j] {
			n++
		}
	}
	return n
}

// Complement returns the mask of unobserved cells.
func (m *Mask) Complement() *Mask {
	cells := make([]bool, len(m.cells))
	for i, c := range m.cells {
		cells[i] = !c
	}
	return &Mask{rows: m.rows, cols: m.cols, cells: cells}
}
