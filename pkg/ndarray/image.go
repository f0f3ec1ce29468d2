package ndarray

import (
	"fmt"
	"image"
	"image/draw"
)

// FromImage converts img to an H x W x 3 uint8 array, dropping alpha.
func FromImage(img image.Image) *Array {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	nrgba, ok := img.(*image.NRGBA)
	if !ok || nrgba.Rect.Min != (image.Point{}) {
		nrgba = image.NewNRGBA(image.Rect(0, 0, w, h))
		draw.Draw(nrgba, nrgba.Bounds(), img, b.Min, draw.Src)
	}

	data := make([]byte, h*w*3)
	for y := 0; y < h; y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+w*4]
		for x := 0; x < w; x++ {
			copy(data[(y*w+x)*3:], row[x*4:x*4+3])
		}
	}
	return &Array{DType: Uint8, Shape: []int{h, w, 3}, Data: data}
}

// ToImage converts an H x W, H x W x 3 or H x W x 4 uint8 array to an image.
func (a *Array) ToImage() (*image.NRGBA, error) {
	if a.DType != Uint8 {
		return nil, fmt.Errorf("ndarray: cannot convert %s to an image", a)
	}
	var channels int
	switch {
	case a.Ndim() == 2:
		channels = 1
	case a.Ndim() == 3 && (a.Shape[2] == 3 || a.Shape[2] == 4):
		channels = a.Shape[2]
	default:
		return nil, fmt.Errorf("ndarray: cannot convert %s to an image", a)
	}

	h, w := a.Shape[0], a.Shape[1]
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < h*w; i++ {
		px := img.Pix[i*4 : i*4+4]
		switch channels {
		case 1:
			v := a.Data[i]
			px[0], px[1], px[2], px[3] = v, v, v, 255
		case 3:
			copy(px, a.Data[i*3:i*3+3])
			px[3] = 255
		case 4:
			copy(px, a.Data[i*4:i*4+4])
		}
	}
	return img, nil
}
