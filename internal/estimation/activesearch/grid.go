// Package activesearch spreads new feature detections evenly over an image.
//
// The image is tiled by a grid whose origin is jittered by a random offset
// on every Renew, so cell borders do not sit on the same pixels frame after
// frame. Cells that already contain a projected feature are skipped; empty
// interior cells are handed out as regions of interest for the detector.
package activesearch

import (
	"errors"
	"fmt"
	"image"
	"math/rand/v2"
)

// Config sizes a Grid.
type Config struct {
	Width      int // image width in pixels
	Height     int // image height in pixels
	Cols       int // cells across the image
	Rows       int // cells down the image
	Margin     int // minimum offset from the image border, pixels
	Separation int // minimum distance between a region and its cell border
}

// ErrInvalidConfig wraps grid configuration problems.
var ErrInvalidConfig = errors.New("activesearch: invalid config")

// Validate checks that every cell leaves room for the margin and the
// separation.
func (c Config) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: image %dx%d", ErrInvalidConfig, c.Width, c.Height)
	}
	if c.Cols < 2 || c.Rows < 2 {
		return fmt.Errorf("%w: need at least 2x2 cells, got %dx%d", ErrInvalidConfig, c.Cols, c.Rows)
	}
	if c.Margin < 0 || c.Separation < 0 {
		return fmt.Errorf("%w: negative margin or separation", ErrInvalidConfig)
	}
	cw, ch := c.Width/c.Cols, c.Height/c.Rows
	if cw-2*c.Margin <= 0 || ch-2*c.Margin <= 0 {
		return fmt.Errorf("%w: margin %d does not fit %dx%d cells", ErrInvalidConfig, c.Margin, cw, ch)
	}
	if cw-2*c.Separation <= 0 || ch-2*c.Separation <= 0 {
		return fmt.Errorf("%w: separation %d does not fit %dx%d cells", ErrInvalidConfig, c.Separation, cw, ch)
	}
	return nil
}

const blocked = -1

// Grid is a jittered occupancy grid over an image. It is not safe for
// concurrent use.
type Grid struct {
	cfg    Config
	cell   image.Point // cell size in pixels
	size   image.Point // cells per axis including the two border cells
	offset image.Point // grid origin relative to the image, always <= -Margin
	counts []int       // row-major, size.X * size.Y
	rng    *rand.Rand
}

// NewGrid builds a grid and draws its first offset. rng may be nil, in which
// case a randomly seeded source is used.
func NewGrid(cfg Config, rng *rand.Rand) (*Grid, error) {
	if err := cfg.Validate(); err != nil {
		opsf("rejecting grid config: %v", err)
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	g := &Grid{
		cfg:    cfg,
		cell:   image.Pt(cfg.Width/cfg.Cols, cfg.Height/cfg.Rows),
		size:   image.Pt(cfg.Cols+1, cfg.Rows+1),
		rng:    rng,
		counts: make([]int, (cfg.Cols+1)*(cfg.Rows+1)),
	}
	g.Renew()
	return g, nil
}

// Renew draws a new offset and clears all counters.
func (g *Grid) Renew() {
	g.offset.X = -(g.cfg.Margin + g.rng.IntN(g.cell.X-2*g.cfg.Margin))
	g.offset.Y = -(g.cfg.Margin + g.rng.IntN(g.cell.Y-2*g.cfg.Margin))
	g.Clear()
	tracef("renew offset=%v", g.offset)
}

// Clear zeroes all counters, unblocking every cell.
func (g *Grid) Clear() {
	clear(g.counts)
}

// Offset returns the grid origin in image coordinates.
func (g *Grid) Offset() image.Point { return g.offset }

// CellSize returns the size of one cell in pixels.
func (g *Grid) CellSize() image.Point { return g.cell }

// Size returns the number of cells per axis, border cells included.
func (g *Grid) Size() image.Point { return g.size }

// CellOf maps a pixel to its cell index. ok is false for pixels left of or
// above the grid origin, or past its last cell.
func (g *Grid) CellOf(pix image.Point) (image.Point, bool) {
	d := pix.Sub(g.offset)
	if d.X < 0 || d.Y < 0 {
		return image.Point{}, false
	}
	c := image.Pt(d.X/g.cell.X, d.Y/g.cell.Y)
	if c.X >= g.size.X || c.Y >= g.size.Y {
		return image.Point{}, false
	}
	return c, true
}

// interior reports whether a cell lies entirely inside the image.
func (g *Grid) interior(c image.Point) bool {
	return c.X >= 1 && c.X <= g.size.X-2 && c.Y >= 1 && c.Y <= g.size.Y-2
}

// CellRect returns the full pixel rectangle of a cell.
func (g *Grid) CellRect(c image.Point) image.Rectangle {
	min := g.offset.Add(image.Pt(c.X*g.cell.X, c.Y*g.cell.Y))
	return image.Rectangle{Min: min, Max: min.Add(g.cell)}
}

// Count returns the counter of a cell: the number of hits, or -1 when the
// cell is blocked.
func (g *Grid) Count(c image.Point) int {
	if c.X < 0 || c.Y < 0 || c.X >= g.size.X || c.Y >= g.size.Y {
		return 0
	}
	return g.counts[c.Y*g.size.X+c.X]
}

// Hit records a projected feature at pix. Pixels outside the interior cells
// are ignored, and blocked cells stay blocked.
func (g *Grid) Hit(pix image.Point) {
	c, ok := g.CellOf(pix)
	if !ok || !g.interior(c) {
		return
	}
	i := c.Y*g.size.X + c.X
	if g.counts[i] == blocked {
		return
	}
	g.counts[i]++
}

// PickRegion selects an empty interior cell uniformly at random and returns
// it shrunk by the separation on each side. ok is false when every interior
// cell is occupied or blocked.
func (g *Grid) PickRegion() (image.Rectangle, bool) {
	var empty []image.Point
	for y := 1; y <= g.size.Y-2; y++ {
		for x := 1; x <= g.size.X-2; x++ {
			if g.counts[y*g.size.X+x] == 0 {
				empty = append(empty, image.Pt(x, y))
			}
		}
	}
	if len(empty) == 0 {
		diagf("no empty cells left (offset=%v)", g.offset)
		return image.Rectangle{}, false
	}
	c := empty[g.rng.IntN(len(empty))]
	return g.CellRect(c).Inset(g.cfg.Separation), true
}

// Block marks the cell containing the centre of roi so PickRegion stops
// returning it until the next Renew or Clear.
func (g *Grid) Block(roi image.Rectangle) {
	centre := roi.Min.Add(roi.Max).Div(2)
	c, ok := g.CellOf(centre)
	if !ok || !g.interior(c) {
		return
	}
	g.counts[c.Y*g.size.X+c.X] = blocked
	tracef("block cell %v", c)
}

// Empty returns the number of interior cells that are neither hit nor
// blocked.
func (g *Grid) Empty() int {
	n := 0
	for y := 1; y <= g.size.Y-2; y++ {
		for x := 1; x <= g.size.X-2; x++ {
			if g.counts[y*g.size.X+x] == 0 {
				n++
			}
		}
	}
	return n
}
