package comparator

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"math/bits"
	"sort"
	"sync"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"

	"github.com/example/face-gallery/internal/blobstore"
)

const (
	hashSize    = 32
	lowFreqSize = 8
	hashBits    = 64

	defaultHashCacheSize = 1024
)

// PHash compares images by the Hamming distance of their 64-bit perceptual
// hashes. It is a stand-in for a real face model: identical and lightly
// re-encoded images verify, unrelated images do not.
type PHash struct {
	threshold int

	mu       sync.Mutex
	hashes   map[string]uint64
	order    []string
	capacity int
}

// NewPHash verifies pairs whose distance is at most threshold bits.
func NewPHash(threshold int) *PHash {
	return &PHash{
		threshold: threshold,
		hashes:    make(map[string]uint64),
		capacity:  defaultHashCacheSize,
	}
}

func (p *PHash) Compare(ctx context.Context, probe, candidate []byte) (Verdict, error) {
	probeHash, err := p.hash(ctx, probe)
	if err != nil {
		return Verdict{}, fmt.Errorf("hash probe: %w", err)
	}
	candidateHash, err := p.hash(ctx, candidate)
	if err != nil {
		return Verdict{}, fmt.Errorf("hash candidate: %w", err)
	}

	distance := HammingDistance(probeHash, candidateHash)
	return Verdict{
		Verified: distance <= p.threshold,
		Score:    1 - float64(distance)/hashBits,
	}, nil
}

// HammingDistance counts differing bits.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

func (p *PHash) hash(ctx context.Context, data []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	digest := blobstore.Digest(data)

	p.mu.Lock()
	h, ok := p.hashes[digest]
	p.mu.Unlock()
	if ok {
		return h, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("decode image: %w", err)
	}
	h = PerceptualHash(img)

	p.mu.Lock()
	if _, ok := p.hashes[digest]; !ok {
		if len(p.order) >= p.capacity {
			delete(p.hashes, p.order[0])
			p.order = p.order[1:]
		}
		p.hashes[digest] = h
		p.order = append(p.order, digest)
	}
	p.mu.Unlock()
	return h, nil
}

// PerceptualHash computes a DCT based 64-bit hash of img.
func PerceptualHash(img image.Image) uint64 {
	resized := image.NewRGBA(image.Rect(0, 0, hashSize, hashSize))
	draw.BiLinear.Scale(resized, resized.Bounds(), img, img.Bounds(), draw.Over, nil)

	var gray [hashSize][hashSize]float64
	for x := 0; x < hashSize; x++ {
		for y := 0; y < hashSize; y++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			gray[x][y] = 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
		}
	}

	var cosTable [lowFreqSize][hashSize]float64
	for u := 0; u < lowFreqSize; u++ {
		for x := 0; x < hashSize; x++ {
			cosTable[u][x] = math.Cos(math.Pi * float64(u) * (2*float64(x) + 1) / (2 * hashSize))
		}
	}

	// Only the top-left 8x8 block of the 2D DCT is needed, computed in two
	// separable passes.
	var rows [lowFreqSize][hashSize]float64
	for u := 0; u < lowFreqSize; u++ {
		for y := 0; y < hashSize; y++ {
			var sum float64
			for x := 0; x < hashSize; x++ {
				sum += gray[x][y] * cosTable[u][x]
			}
			rows[u][y] = sum
		}
	}
	coeffs := make([]float64, 0, hashBits)
	for u := 0; u < lowFreqSize; u++ {
		for v := 0; v < lowFreqSize; v++ {
			var sum float64
			for y := 0; y < hashSize; y++ {
				sum += rows[u][y] * cosTable[v][y]
			}
			coeffs = append(coeffs, sum)
		}
	}

	// DC term excluded from the median.
	sorted := append([]float64(nil), coeffs[1:]...)
	sort.Float64s(sorted)
	median := sorted[len(sorted)/2]

	var hash uint64
	for i, c := range coeffs {
		if c > median {
			hash |= 1 << (hashBits - 1 - i)
		}
	}
	return hash
}
