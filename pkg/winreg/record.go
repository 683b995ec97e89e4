package winreg

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/nmxmxh/tangled/pkg/json"
)

// Shape is a window's screen position and inner size in pixels.
type Shape struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Center returns the midpoint of the shape.
func (s Shape) Center() Point {
	return Point{X: s.X + s.W/2, Y: s.Y + s.H/2}
}

// Point is a screen coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Dist returns the Euclidean distance between p and q.
func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Record is one window's entry in the shared collection.
type Record[M any] struct {
	ID        int64 `json:"id"`
	Shape     Shape `json:"shape"`
	Center    Point `json:"center"`
	Metadata  M     `json:"metadata"`
	UpdatedAt int64 `json:"updatedAt"`
}

// Updated returns UpdatedAt as a time.
func (r Record[M]) Updated() time.Time { return time.UnixMilli(r.UpdatedAt) }

// Windows is the in-memory form of the shared collection.
type Windows[M any] map[int64]Record[M]

// Clone returns a shallow copy of w.
func (w Windows[M]) Clone() Windows[M] {
	out := make(Windows[M], len(w))
	for id, r := range w {
		out[id] = r
	}
	return out
}

// Sorted returns the records ordered by id.
func (w Windows[M]) Sorted() []Record[M] {
	out := make([]Record[M], 0, len(w))
	for _, r := range w {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Encode serialises the collection as an object keyed by decimal window id.
func (w Windows[M]) Encode() ([]byte, error) {
	byKey := make(map[string]Record[M], len(w))
	for id, r := range w {
		byKey[strconv.FormatInt(id, 10)] = r
	}
	return json.Marshal(byKey)
}

// DecodeWindows parses a stored collection. Absent or unparseable data yields
// an empty collection; individual malformed records are skipped. The second
// result reports whether anything had to be discarded.
func DecodeWindows[M any](data []byte) (Windows[M], bool) {
	out := make(Windows[M])
	if len(data) == 0 {
		return out, false
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return out, true
	}
	dirty := false
	for key, msg := range raw {
		var r Record[M]
		if err := json.Unmarshal(msg, &r); err != nil {
			dirty = true
			continue
		}
		if id, err := strconv.ParseInt(key, 10, 64); err == nil && r.ID == 0 {
			r.ID = id
		}
		if r.ID <= 0 {
			dirty = true
			continue
		}
		out[r.ID] = r
	}
	return out, dirty
}
