package coverage

var countClass [256]byte

func init() {
	for i := range countClass {
		switch {
		case i == 0:
			countClass[i] = 0
		case i <= 3:
			countClass[i] = [...]byte{0, 1, 2, 4}[i]
		case i <= 7:
			countClass[i] = 8
		case i <= 15:
			countClass[i] = 16
		case i <= 31:
			countClass[i] = 32
		case i <= 127:
			countClass[i] = 64
		default:
			countClass[i] = 128
		}
	}
}

// Classify replaces raw hit counts with AFL count classes in place, so that
// loop iterations only count as new behaviour when they cross a bucket.
func Classify(buf []byte) {
	for i, b := range buf {
		if b != 0 {
			buf[i] = countClass[b]
		}
	}
}

// ClassOf returns the count class of a raw hit count.
func ClassOf(n byte) byte {
	return countClass[n]
}
