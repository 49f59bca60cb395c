// Command mkbootlogo renders the boot splash shown by the user-space
// console service and emits it as a raw 32-bit BGRX pixel dump, packed
// into the initrd next to the service executables.
//
// Usage:
//
//	mkbootlogo -out logo.raw -w 640 -h 480
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"github.com/fogleman/gg"
)

func main() {
	out := flag.String("out", "logo.raw", "output path")
	width := flag.Int("w", 640, "logo width in pixels")
	height := flag.Int("h", 480, "logo height in pixels")
	flag.Parse()

	if err := render(*out, *width, *height); err != nil {
		fmt.Fprintf(os.Stderr, "mkbootlogo: %v\n", err)
		os.Exit(1)
	}
}

func render(out string, w, h int) error {
	dc := gg.NewContext(w, h)

	dc.SetRGB(0.04, 0.07, 0.12)
	dc.Clear()

	// Concentric ring mark centered above the wordmark baseline.
	cx, cy := float64(w)/2, float64(h)/2-float64(h)/12
	r := float64(h) / 6
	dc.SetLineWidth(r / 9)
	for i := 0; i < 3; i++ {
		shade := 0.35 + 0.25*float64(i)
		dc.SetRGB(shade*0.3, shade*0.7, shade)
		dc.DrawCircle(cx, cy, r-float64(i)*r/4)
		dc.Stroke()
	}

	dc.SetRGB(0.85, 0.9, 0.95)
	dc.DrawStringAnchored("kyanos", cx, cy+r*1.8, 0.5, 0.5)

	return writeBGRX(out, dc, w, h)
}

// writeBGRX dumps the context as width(u32) height(u32) followed by
// tightly packed BGRX rows, the layout VESA framebuffers want.
func writeBGRX(out string, dc *gg.Context, w, h int) error {
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()

	hdr := make([]byte, 8)
	binary.LittleEndian.PutUint32(hdr[0:], uint32(w))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(h))
	if _, err := f.Write(hdr); err != nil {
		return err
	}

	img := dc.Image()
	row := make([]byte, w*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			row[x*4+0] = byte(b >> 8)
			row[x*4+1] = byte(g >> 8)
			row[x*4+2] = byte(r >> 8)
			row[x*4+3] = 0
		}
		if _, err := f.Write(row); err != nil {
			return err
		}
	}
	return nil
}
