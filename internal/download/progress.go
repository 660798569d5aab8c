package download

// Progress converts a byte count into a percentage of size in [0, 100].
// A zero-length file is complete as soon as any byte exists; an unknown size
// (negative) reports no progress.
func Progress(downloaded, size int64) float64 {
	switch {
	case size < 0:
		return 0
	case size == 0:
		if downloaded > 0 {
			return 100
		}

		return 0
	}

	return clamp(float64(downloaded) * 100.0 / float64(size))
}

func clamp(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}

	return p
}
