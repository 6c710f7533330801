// Package grid implements the chunk and viewport math used by the chunk
// router. All functions are pure; chunk coordinates are obtained by flooring
// world coordinates against the per-game chunk size.
package grid

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DefaultChunkSize is the number of cells per chunk edge.
const DefaultChunkSize = 64

// ChunkID is the integer coordinate pair of one chunk.
type ChunkID struct {
	X int
	Y int
}

// String renders the canonical "<chunkX>,<chunkY>" form used in room names
// and bus channels.
func (c ChunkID) String() string {
	return strconv.Itoa(c.X) + "," + strconv.Itoa(c.Y)
}

// ParseChunkID parses the canonical "<chunkX>,<chunkY>" form.
func ParseChunkID(s string) (ChunkID, error) {
	i := strings.IndexByte(s, ',')
	if i < 0 {
		return ChunkID{}, fmt.Errorf("invalid chunk id %q", s)
	}
	x, err := strconv.Atoi(s[:i])
	if err != nil {
		return ChunkID{}, fmt.Errorf("invalid chunk id %q: %w", s, err)
	}
	y, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return ChunkID{}, fmt.Errorf("invalid chunk id %q: %w", s, err)
	}
	return ChunkID{X: x, Y: y}, nil
}

// Viewport is an axis-aligned rectangle in world coordinates, inclusive on
// all four edges.
type Viewport struct {
	MinX float64 `json:"minX"`
	MaxX float64 `json:"maxX"`
	MinY float64 `json:"minY"`
	MaxY float64 `json:"maxY"`
}

// FromCenter builds a viewport of w x h cells centered on (cx, cy). Min
// edges floor and max edges ceil so boundary cells are always included.
func FromCenter(cx, cy, w, h float64) Viewport {
	return Viewport{
		MinX: math.Floor(cx - w/2),
		MaxX: math.Ceil(cx + w/2),
		MinY: math.Floor(cy - h/2),
		MaxY: math.Ceil(cy + h/2),
	}
}

// ExpandBounds grows the viewport by a symmetric buffer on every edge.
func ExpandBounds(v Viewport, buf float64) Viewport {
	return Viewport{
		MinX: v.MinX - buf,
		MaxX: v.MaxX + buf,
		MinY: v.MinY - buf,
		MaxY: v.MaxY + buf,
	}
}

// Intersects reports whether two viewports overlap. Touching edges count as
// overlapping.
func Intersects(a, b Viewport) bool {
	return !(a.MaxX < b.MinX || a.MinX > b.MaxX || a.MaxY < b.MinY || a.MinY > b.MaxY)
}

// ChunkOf maps a world coordinate to its chunk.
func ChunkOf(x, y float64, size int) ChunkID {
	s := float64(size)
	return ChunkID{
		X: int(math.Floor(x / s)),
		Y: int(math.Floor(y / s)),
	}
}

// ChunksInViewport enumerates every chunk the viewport overlaps, in row-major
// order. The intervals are closed: a viewport ending exactly on a chunk
// boundary includes the neighboring chunk.
func ChunksInViewport(v Viewport, size int) []ChunkID {
	s := float64(size)
	minCX := int(math.Floor(v.MinX / s))
	maxCX := int(math.Floor(v.MaxX / s))
	minCY := int(math.Floor(v.MinY / s))
	maxCY := int(math.Floor(v.MaxY / s))

	chunks := make([]ChunkID, 0, (maxCX-minCX+1)*(maxCY-minCY+1))
	for cy := minCY; cy <= maxCY; cy++ {
		for cx := minCX; cx <= maxCX; cx++ {
			chunks = append(chunks, ChunkID{X: cx, Y: cy})
		}
	}
	return chunks
}

// ChunkBounds returns the inclusive world-coordinate rectangle covered by a
// chunk.
func ChunkBounds(c ChunkID, size int) Viewport {
	return Viewport{
		MinX: float64(c.X * size),
		MaxX: float64((c.X+1)*size - 1),
		MinY: float64(c.Y * size),
		MaxY: float64((c.Y+1)*size - 1),
	}
}
