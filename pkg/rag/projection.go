package rag

import (
	"math"
)

// Point is one projected embedding for visualisation.
type Point struct {
	ID   string  `json:"id"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Path string  `json:"path"`
	Type string  `json:"type"`
}

// ProjectEmbeddings reduces stored vectors to 2D: centre, project onto
// the top-2 principal components, then rescale each axis independently
// into [0,1]. With fewer than 2 vectors the first two coordinates are
// used directly.
func ProjectEmbeddings(records []EmbeddingRecord) []Point {
	if len(records) == 0 {
		return []Point{}
	}

	points := make([]Point, len(records))
	for i, rec := range records {
		points[i] = Point{ID: rec.ID, Path: rec.Path, Type: rec.ChunkType}
	}

	if len(records) < 2 {
		for i, rec := range records {
			if len(rec.Vector) > 0 {
				points[i].X = float64(rec.Vector[0])
			}
			if len(rec.Vector) > 1 {
				points[i].Y = float64(rec.Vector[1])
			}
		}
		normalizeAxes(points)
		return points
	}

	dim := len(records[0].Vector)
	n := len(records)

	// Centre the data.
	mean := make([]float64, dim)
	data := make([][]float64, n)
	for i, rec := range records {
		data[i] = make([]float64, dim)
		for j := 0; j < dim && j < len(rec.Vector); j++ {
			data[i][j] = float64(rec.Vector[j])
			mean[j] += data[i][j]
		}
	}
	for j := range mean {
		mean[j] /= float64(n)
	}
	for i := range data {
		for j := range data[i] {
			data[i][j] -= mean[j]
		}
	}

	pc1 := principalComponent(data, nil)
	pc2 := principalComponent(data, pc1)

	for i := range data {
		points[i].X = dot64(data[i], pc1)
		points[i].Y = dot64(data[i], pc2)
	}

	normalizeAxes(points)
	return points
}

// principalComponent finds the dominant eigenvector of the covariance
// of data by power iteration, deflating against an earlier component.
func principalComponent(data [][]float64, deflate []float64) []float64 {
	dim := len(data[0])

	// Deterministic non-degenerate start vector.
	v := make([]float64, dim)
	for j := range v {
		v[j] = 1 / math.Sqrt(float64(dim)+float64(j))
	}
	if deflate != nil {
		orthogonalize(v, deflate)
	}
	normalize(v)

	for iter := 0; iter < 100; iter++ {
		// w = Cov * v without materialising the covariance matrix:
		// Cov*v = (1/n) * X^T (X v).
		next := make([]float64, dim)
		for _, row := range data {
			proj := dot64(row, v)
			for j, x := range row {
				next[j] += proj * x
			}
		}
		if deflate != nil {
			orthogonalize(next, deflate)
		}
		norm := normalize(next)
		if norm == 0 {
			break
		}

		delta := 0.0
		for j := range v {
			delta += math.Abs(next[j] - v[j])
		}
		v = next
		if delta < 1e-9 {
			break
		}
	}
	return v
}

func orthogonalize(v, against []float64) {
	proj := dot64(v, against)
	for j := range v {
		v[j] -= proj * against[j]
	}
}

func normalize(v []float64) float64 {
	norm := math.Sqrt(dot64(v, v))
	if norm == 0 {
		return 0
	}
	for j := range v {
		v[j] /= norm
	}
	return norm
}

func dot64(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// normalizeAxes rescales x and y independently into [0,1]. A collapsed
// axis maps to 0.5.
func normalizeAxes(points []Point) {
	if len(points) == 0 {
		return
	}

	minX, maxX := points[0].X, points[0].X
	minY, maxY := points[0].Y, points[0].Y
	for _, p := range points[1:] {
		minX = math.Min(minX, p.X)
		maxX = math.Max(maxX, p.X)
		minY = math.Min(minY, p.Y)
		maxY = math.Max(maxY, p.Y)
	}

	for i := range points {
		points[i].X = rescale(points[i].X, minX, maxX)
		points[i].Y = rescale(points[i].Y, minY, maxY)
	}
}

func rescale(v, min, max float64) float64 {
	if max == min {
		return 0.5
	}
	return (v - min) / (max - min)
}
