package pathextract

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"slices"
	"strings"
)

// MaxIntermediate is the number of averaged waypoints kept between the
// first and last marked pixel.
const MaxIntermediate = 20

// MaxWaypoints bounds the length of any extracted sequence.
const MaxWaypoints = MaxIntermediate + 2

var (
	// ErrMissingLayer reports that a painting surface supplied no drawable layer.
	ErrMissingLayer = errors.New("missing layer")
	// ErrInvalidDirection reports an unrecognized scan direction.
	ErrInvalidDirection = errors.New("invalid direction")
)

// Point is a pixel coordinate within a layer.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (p Point) String() string {
	return fmt.Sprintf("(%d,%d)", p.X, p.Y)
}

// WaypointSequence is the reduced, ordered path handed to the video API.
type WaypointSequence []Point

// Direction selects the traversal order of marked pixels.
type Direction int

const (
	LeftToRight Direction = iota + 1
	RightToLeft
	TopToBottom
	BottomToTop
)

var directionNames = map[Direction]string{
	LeftToRight: "Left to Right",
	RightToLeft: "Right to Left",
	TopToBottom: "Top to Bottom",
	BottomToTop: "Bottom to Top",
}

var directionAliases = map[string]Direction{
	"left to right": LeftToRight,
	"left-to-right": LeftToRight,
	"ltr":           LeftToRight,
	"right to left": RightToLeft,
	"right-to-left": RightToLeft,
	"rtl":           RightToLeft,
	"top to bottom": TopToBottom,
	"top-to-bottom": TopToBottom,
	"ttb":           TopToBottom,
	"bottom to top": BottomToTop,
	"bottom-to-top": BottomToTop,
	"btt":           BottomToTop,
}

// Directions lists every supported direction in display order.
func Directions() []Direction {
	return []Direction{LeftToRight, RightToLeft, TopToBottom, BottomToTop}
}

// ParseDirection accepts the editor labels ("Left to Right") as well as
// kebab-case and three-letter short forms.
func ParseDirection(s string) (Direction, error) {
	if d, ok := directionAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidDirection, s)
}

// Valid reports whether d is one of the four enumerated directions.
func (d Direction) Valid() bool {
	_, ok := directionNames[d]
	return ok
}

func (d Direction) String() string {
	if name, ok := directionNames[d]; ok {
		return name
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

func (d Direction) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDirection, int(d))
	}
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	parsed, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Marked reports whether c is the drawing-ink sentinel: opaque pure white.
func Marked(c color.Color) bool {
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	return n.R == 0xff && n.G == 0xff && n.B == 0xff && n.A == 0xff
}

// Scan returns the coordinates of every marked pixel in row-major order.
// Coordinates are relative to the layer's bounds origin.
func Scan(layer image.Image) []Point {
	b := layer.Bounds()
	var pts []Point
	if nrgba, ok := layer.(*image.NRGBA); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := nrgba.Pix[nrgba.PixOffset(b.Min.X, y):]
			for x := 0; x < b.Dx(); x++ {
				px := row[x*4 : x*4+4 : x*4+4]
				if px[0] == 0xff && px[1] == 0xff && px[2] == 0xff && px[3] == 0xff {
					pts = append(pts, Point{X: x, Y: y - b.Min.Y})
				}
			}
		}
		return pts
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if Marked(layer.At(x, y)) {
				pts = append(pts, Point{X: x - b.Min.X, Y: y - b.Min.Y})
			}
		}
	}
	return pts
}

func byXY(a, b Point) int {
	if a.X != b.X {
		return a.X - b.X
	}
	return a.Y - b.Y
}

func byYX(a, b Point) int {
	if a.Y != b.Y {
		return a.Y - b.Y
	}
	return a.X - b.X
}

// Sort returns a copy of pts ordered for d. Right-to-Left and Bottom-to-Top
// are the reverse of their ascending counterparts, so both keys descend.
func Sort(pts []Point, d Direction) ([]Point, error) {
	out := slices.Clone(pts)
	switch d {
	case LeftToRight:
		slices.SortFunc(out, byXY)
	case RightToLeft:
		slices.SortFunc(out, byXY)
		slices.Reverse(out)
	case TopToBottom:
		slices.SortFunc(out, byYX)
	case BottomToTop:
		slices.SortFunc(out, byYX)
		slices.Reverse(out)
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidDirection, int(d))
	}
	return out, nil
}

// ChunkSize returns the averaging window used for n ordered candidates.
// It is max(n/MaxIntermediate, 1), widened when that would yield more than
// MaxIntermediate averaged points between the two endpoints.
func ChunkSize(n int) int {
	step := max(n/MaxIntermediate, 1)
	inner := n - 2
	if inner <= 0 {
		return step
	}
	if (inner+step-1)/step > MaxIntermediate {
		step = (inner + MaxIntermediate - 1) / MaxIntermediate
	}
	return step
}

// Downsample reduces an ordered candidate list to at most MaxWaypoints.
// The first and last candidates are kept exactly; the ones between are
// averaged in chunks of ChunkSize(len). The final chunk may include the
// last candidate, which is then appended again unchanged.
func Downsample(pts []Point) WaypointSequence {
	n := len(pts)
	if n == 0 {
		return WaypointSequence{}
	}
	if n == 1 {
		return WaypointSequence{pts[0]}
	}
	step := ChunkSize(n)
	out := make(WaypointSequence, 0, MaxWaypoints)
	out = append(out, pts[0])
	for i := 1; i < n-1; i += step {
		chunk := pts[i:min(i+step, n)]
		var sx, sy int
		for _, p := range chunk {
			sx += p.X
			sy += p.Y
		}
		out = append(out, Point{X: sx / len(chunk), Y: sy / len(chunk)})
	}
	return append(out, pts[n-1])
}

// Extract scans layer for marked pixels, orders them by d and reduces them
// to a waypoint sequence. An empty sequence means no path was drawn.
func Extract(layer image.Image, d Direction) (WaypointSequence, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDirection, int(d))
	}
	if layer == nil {
		return nil, ErrMissingLayer
	}
	sorted, err := Sort(Scan(layer), d)
	if err != nil {
		return nil, err
	}
	return Downsample(sorted), nil
}
