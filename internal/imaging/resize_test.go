package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeJPEG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestFit_PassesThroughSmallImage(t *testing.T) {
	data := encodeJPEG(t, 100, 80)
	out, err := Fit(data, 1600)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestFit_ScalesDownOversizedImage(t *testing.T) {
	data := encodeJPEG(t, 3200, 1600)
	out, err := Fit(data, 1600)
	require.NoError(t, err)

	img, _, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	bounds := img.Bounds()
	assert.Equal(t, 1600, bounds.Dx())
	assert.Equal(t, 800, bounds.Dy())
}

func TestFit_RejectsUndecodableData(t *testing.T) {
	_, err := Fit([]byte("not an image"), 1600)
	assert.Error(t, err)
}
