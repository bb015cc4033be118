package raster

import (
	"bytes"
	"encoding/binary"
	"math"
)

var (
	pngSignature = []byte("\x89PNG\r\n\x1a\n")
	tiffLE       = []byte("II*\x00")
	tiffBE       = []byte("MM\x00*")
)

// TIFF tags and field types used for resolution.
const (
	tiffTagXResolution    = 282
	tiffTagResolutionUnit = 296
	tiffTypeShort         = 3
	tiffTypeRational      = 5
)

// SourceDPI reads the horizontal resolution stored in PNG pHYs, JPEG JFIF
// or TIFF XResolution headers. It returns 0 when the data declares none.
func SourceDPI(data []byte) int {
	switch {
	case bytes.HasPrefix(data, pngSignature):
		return pngDPI(data)
	case len(data) > 2 && data[0] == 0xFF && data[1] == 0xD8:
		return jfifDPI(data)
	case bytes.HasPrefix(data, tiffLE):
		return tiffDPI(data, binary.LittleEndian)
	case bytes.HasPrefix(data, tiffBE):
		return tiffDPI(data, binary.BigEndian)
	}
	return 0
}

func pngDPI(data []byte) int {
	pos := len(pngSignature)
	for pos+8 <= len(data) {
		n := int(binary.BigEndian.Uint32(data[pos:]))
		typ := string(data[pos+4 : pos+8])
		body := pos + 8
		if n < 0 || body+n > len(data) {
			return 0
		}
		switch typ {
		case "pHYs":
			if n < 9 || data[body+8] != 1 { // unit 1 = metre
				return 0
			}
			ppm := binary.BigEndian.Uint32(data[body:])
			return int(math.Round(float64(ppm) * 0.0254))
		case "IDAT", "IEND":
			// pHYs must precede image data
			return 0
		}
		pos = body + n + 4 // skip CRC
	}
	return 0
}

func jfifDPI(data []byte) int {
	// APP0 immediately after SOI: FF E0 len(2) "JFIF\0" ver(2) units(1) xdens(2)
	if len(data) < 18 || data[2] != 0xFF || data[3] != 0xE0 {
		return 0
	}
	if string(data[6:11]) != "JFIF\x00" {
		return 0
	}
	units := data[13]
	x := float64(binary.BigEndian.Uint16(data[14:]))
	switch units {
	case 1:
		return int(x)
	case 2:
		return int(math.Round(x * 2.54))
	}
	return 0
}

// tiffDPI reads XResolution and ResolutionUnit from the first IFD.
func tiffDPI(data []byte, bo binary.ByteOrder) int {
	if len(data) < 8 {
		return 0
	}
	ifd := int64(bo.Uint32(data[4:]))
	if ifd < 8 || ifd+2 > int64(len(data)) {
		return 0
	}
	entries := int(bo.Uint16(data[ifd:]))

	var res float64
	unit := uint16(2) // inch when the tag is absent
	for i := 0; i < entries; i++ {
		e := ifd + 2 + int64(i)*12
		if e+12 > int64(len(data)) {
			return 0
		}
		tag, typ := bo.Uint16(data[e:]), bo.Uint16(data[e+2:])
		switch tag {
		case tiffTagXResolution:
			if typ != tiffTypeRational {
				return 0
			}
			off := int64(bo.Uint32(data[e+8:]))
			if off+8 > int64(len(data)) {
				return 0
			}
			num, den := bo.Uint32(data[off:]), bo.Uint32(data[off+4:])
			if den == 0 {
				return 0
			}
			res = float64(num) / float64(den)
		case tiffTagResolutionUnit:
			if typ != tiffTypeShort {
				return 0
			}
			unit = bo.Uint16(data[e+8:])
		}
	}

	switch unit {
	case 2:
		return int(math.Round(res))
	case 3: // centimetre
		return int(math.Round(res * 2.54))
	}
	return 0
}
