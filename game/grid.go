// Package game defines the core state types for 2048.
//
// A Grid is the minimal state needed for rules evaluation and network
// inference. It is cheap to clone so the rules package can simulate moves
// (valid-action masks) without touching the caller's copy.
package game

import (
	"fmt"
	"strconv"
	"strings"
)

// Direction is a slide direction. The numeric order is also the number of
// clockwise quarter turns the rules engine applies before sliding left, and
// the output order of the Q-network.
type Direction int

const (
	Left Direction = iota
	Down
	Right
	Up
)

// NumDirections is the size of the action space.
const NumDirections = 4

// AllDirections lists every direction in canonical order.
var AllDirections = [NumDirections]Direction{Left, Down, Right, Up}

var directionNames = [NumDirections]string{"left", "down", "right", "up"}

func (d Direction) Valid() bool {
	return d >= Left && d <= Up
}

func (d Direction) String() string {
	if !d.Valid() {
		return "Direction(" + strconv.Itoa(int(d)) + ")"
	}
	return directionNames[d]
}

// ParseDirection accepts the lower-case direction names.
func ParseDirection(s string) (Direction, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range directionNames {
		if n == name {
			return Direction(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidDirection, s)
}

// MinSize is the smallest playable board.
const MinSize = 2

// Grid is an N×N board stored row-major. 0 is an empty cell, every other
// value is a power of two ≥ 2.
type Grid struct {
	Size  int
	Cells []int
}

// NewGrid returns an empty Size×Size grid.
func NewGrid(size int) (Grid, error) {
	if size < MinSize {
		return Grid{}, fmt.Errorf("%w: grid size %d < %d", ErrInvalidConfiguration, size, MinSize)
	}
	return Grid{Size: size, Cells: make([]int, size*size)}, nil
}

// FromRows builds a grid from literal rows. Intended for fixtures and API
// input; the result is validated.
func FromRows(rows [][]int) (Grid, error) {
	size := len(rows)
	g, err := NewGrid(size)
	if err != nil {
		return Grid{}, err
	}
	for r, row := range rows {
		if len(row) != size {
			return Grid{}, fmt.Errorf("%w: row %d has %d cells, want %d", ErrInvalidConfiguration, r, len(row), size)
		}
		copy(g.Cells[r*size:(r+1)*size], row)
	}
	if err := g.Validate(); err != nil {
		return Grid{}, err
	}
	return g, nil
}

// MustFromRows is FromRows for test fixtures.
func MustFromRows(rows [][]int) Grid {
	g, err := FromRows(rows)
	if err != nil {
		panic(err)
	}
	return g
}

func (g Grid) At(row, col int) int {
	return g.Cells[row*g.Size+col]
}

func (g Grid) Set(row, col, value int) {
	g.Cells[row*g.Size+col] = value
}

// Clone performs a deep copy of the grid.
func (g Grid) Clone() Grid {
	out := Grid{Size: g.Size}
	if len(g.Cells) > 0 {
		out.Cells = make([]int, len(g.Cells))
		copy(out.Cells, g.Cells)
	}
	return out
}

func (g Grid) Equal(other Grid) bool {
	if g.Size != other.Size || len(g.Cells) != len(other.Cells) {
		return false
	}
	for i, v := range g.Cells {
		if other.Cells[i] != v {
			return false
		}
	}
	return true
}

// EmptyCells returns the row-major indices of the empty cells.
func (g Grid) EmptyCells() []int {
	empty := make([]int, 0, len(g.Cells))
	for i, v := range g.Cells {
		if v == 0 {
			empty = append(empty, i)
		}
	}
	return empty
}

func (g Grid) CountTiles() int {
	n := 0
	for _, v := range g.Cells {
		if v != 0 {
			n++
		}
	}
	return n
}

func (g Grid) MaxTile() int {
	best := 0
	for _, v := range g.Cells {
		if v > best {
			best = v
		}
	}
	return best
}

// Sum is the total face value on the board.
func (g Grid) Sum() int {
	total := 0
	for _, v := range g.Cells {
		total += v
	}
	return total
}

// Rows returns a copy of the board as nested rows.
func (g Grid) Rows() [][]int {
	rows := make([][]int, g.Size)
	for r := 0; r < g.Size; r++ {
		rows[r] = make([]int, g.Size)
		copy(rows[r], g.Cells[r*g.Size:(r+1)*g.Size])
	}
	return rows
}

// Validate checks the shape and the power-of-two tile invariant.
func (g Grid) Validate() error {
	if g.Size < MinSize {
		return fmt.Errorf("%w: grid size %d < %d", ErrInvalidConfiguration, g.Size, MinSize)
	}
	if len(g.Cells) != g.Size*g.Size {
		return fmt.Errorf("%w: %d cells for size %d", ErrInvalidConfiguration, len(g.Cells), g.Size)
	}
	for i, v := range g.Cells {
		if v != 0 && !IsTile(v) {
			return fmt.Errorf("%w: cell %d holds %d", ErrInvalidTile, i, v)
		}
	}
	return nil
}

// MustValidate panics on a broken invariant. The rules engine calls it on
// every grid it produces.
func (g Grid) MustValidate() {
	if err := g.Validate(); err != nil {
		panic(err)
	}
}

func (g Grid) String() string {
	width := len(strconv.Itoa(g.MaxTile()))
	if width < 1 {
		width = 1
	}
	var b strings.Builder
	for r := 0; r < g.Size; r++ {
		for c := 0; c < g.Size; c++ {
			if c > 0 {
				b.WriteByte(' ')
			}
			v := g.At(r, c)
			s := "."
			if v != 0 {
				s = strconv.Itoa(v)
			}
			b.WriteString(strings.Repeat(" ", width-len(s)))
			b.WriteString(s)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
