// Package humanoid generates human-looking input timing and motion:
// curved mouse paths, uneven typing cadence, reading pauses and typos.
//
// Every generator draws from an injected Source, so a fixed seed (or a
// scripted source in tests) reproduces the exact same output.
package humanoid

import (
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Source is the randomness the model consumes. *rand.Rand satisfies it.
type Source interface {
	Float64() float64
	Intn(n int) int
}

// Point is a screen coordinate in CSS pixels.
type Point struct {
	X float64
	Y float64
}

const (
	typoProbability   = 0.03
	thinkProbability  = 0.05
	burstProbability  = 0.30
	burstFactor       = 0.7
	wordsPerMinute    = 225.0
	positionJitterPx  = 2.0
	defaultMouseSteps = 30
)

// Model is safe for concurrent use; calls are serialized around the source.
type Model struct {
	mu  sync.Mutex
	src Source
}

func New(src Source) *Model {
	return &Model{src: src}
}

// NewSeeded builds a Model over a seeded math/rand generator.
func NewSeeded(seed int64) *Model {
	return New(rand.New(rand.NewSource(seed)))
}

func (m *Model) uniform(lo, hi float64) float64 {
	return lo + (hi-lo)*m.src.Float64()
}

// MousePath returns steps+1 points along a cubic Bezier curve from start
// to end. Control points sit at 20-40% and 60-80% of the horizontal span
// with up to 20% vertical drift; each sample gets up to 2px of tremor
// except the last, which is exactly end.
func (m *Model) MousePath(start, end Point, steps int) []Point {
	if steps <= 0 {
		steps = defaultMouseSteps
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	dx, dy := end.X-start.X, end.Y-start.Y
	c1 := Point{X: start.X + dx*m.uniform(0.2, 0.4), Y: start.Y + dy*m.uniform(-0.2, 0.2)}
	c2 := Point{X: start.X + dx*m.uniform(0.6, 0.8), Y: start.Y + dy*m.uniform(-0.2, 0.2)}

	path := make([]Point, 0, steps+1)
	for i := 0; i < steps; i++ {
		t := float64(i) / float64(steps)
		p := bezier(start, c1, c2, end, t)
		p.X += m.uniform(-positionJitterPx, positionJitterPx)
		p.Y += m.uniform(-positionJitterPx, positionJitterPx)
		path = append(path, p)
	}
	return append(path, end)
}

func bezier(p0, p1, p2, p3 Point, t float64) Point {
	u := 1 - t
	a := u * u * u
	b := 3 * u * u * t
	c := 3 * u * t * t
	d := t * t * t
	return Point{
		X: a*p0.X + b*p1.X + c*p2.X + d*p3.X,
		Y: a*p0.Y + b*p1.Y + c*p2.Y + d*p3.Y,
	}
}

// TypingDelays returns one delay per rune of text.
func (m *Model) TypingDelays(text string) []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	runes := []rune(text)
	delays := make([]time.Duration, len(runes))
	for i, r := range runes {
		d := m.uniform(0.08, 0.15)
		if r == ' ' {
			d += m.uniform(0.1, 0.3)
		}
		if m.src.Float64() < thinkProbability {
			d += m.uniform(0.3, 0.8)
		}
		if i > 0 && m.src.Float64() < burstProbability {
			d *= burstFactor
		}
		delays[i] = seconds(d)
	}
	return delays
}

// ReadingTime estimates how long a person takes to read text at about
// 225 words per minute, +/-30%. Empty text still costs a short glance.
func (m *Model) ReadingTime(text string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	words := len(strings.Fields(text))
	if words == 0 {
		return seconds(m.uniform(0.3, 0.8))
	}
	base := float64(words) / wordsPerMinute * 60
	return seconds(base * m.uniform(0.7, 1.3))
}

// ShouldTypo reports whether the next keystroke should be a typo.
func (m *Model) ShouldTypo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.src.Float64() < typoProbability
}

// NearbyKey returns a random QWERTY neighbour of r, preserving case.
// Characters without neighbours come back unchanged.
func (m *Model) NearbyKey(r rune) rune {
	neighbors, ok := keyboardNeighbors[unicode.ToLower(r)]
	if !ok || len(neighbors) == 0 {
		return r
	}
	m.mu.Lock()
	k := rune(neighbors[m.src.Intn(len(neighbors))])
	m.mu.Unlock()
	if unicode.IsUpper(r) {
		return unicode.ToUpper(k)
	}
	return k
}

// Between returns a uniformly random duration in [lo, hi].
func (m *Model) Between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo + time.Duration(m.src.Float64()*float64(hi-lo))
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

var keyboardNeighbors = map[rune]string{
	'a': "sqwz",
	'b': "vgnh",
	'c': "xdvf",
	'd': "sefcx",
	'e': "wrds",
	'f': "drgcv",
	'g': "fthvb",
	'h': "gyjbn",
	'i': "uokj",
	'j': "huknm",
	'k': "jilm",
	'l': "kop",
	'm': "njk",
	'n': "bhmj",
	'o': "iplk",
	'p': "ol",
	'q': "was",
	'r': "etfd",
	's': "awdxz",
	't': "rygf",
	'u': "yihj",
	'v': "cfbg",
	'w': "qesa",
	'x': "zscd",
	'y': "tuhg",
	'z': "asx",
}
