package firmware

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Image layout: a 24-byte image header, the first 8-byte segment header,
// then the 256-byte application descriptor that opens the first segment.
const (
	imageHeaderSize   = 24
	segmentHeaderSize = 8
	appDescSize       = 256

	// ImageProbeSize is how many leading bytes must be buffered before the
	// image can be recognized and a write session opened.
	ImageProbeSize = imageHeaderSize + segmentHeaderSize + appDescSize

	imageMagic   = 0xE9
	appDescMagic = 0xABCD5432

	maxSegments = 16
)

// ImageInfo is what the leading bytes of an image reveal.
type ImageInfo struct {
	SegmentCount  int
	EntryAddr     uint32
	ChipID        uint16
	HashAppended  bool
	SecureVersion uint32
	Version       string
	ProjectName   string
	BuildTime     string
	BuildDate     string
	IDFVersion    string
}

// ImageError reports a structural problem with an image.
type ImageError struct {
	Field  string
	Reason string
}

func (e *ImageError) Error() string {
	return fmt.Sprintf("invalid firmware image: %s: %s", e.Field, e.Reason)
}

// ParseImageHeader validates the first ImageProbeSize bytes of an image.
func ParseImageHeader(probe []byte) (ImageInfo, error) {
	if len(probe) < ImageProbeSize {
		return ImageInfo{}, &ImageError{
			Field:  "length",
			Reason: fmt.Sprintf("need %d bytes, have %d", ImageProbeSize, len(probe)),
		}
	}
	if probe[0] != imageMagic {
		return ImageInfo{}, &ImageError{
			Field:  "magic",
			Reason: fmt.Sprintf("got 0x%02X, want 0x%02X", probe[0], imageMagic),
		}
	}

	info := ImageInfo{
		SegmentCount: int(probe[1]),
		EntryAddr:    binary.LittleEndian.Uint32(probe[4:8]),
		ChipID:       binary.LittleEndian.Uint16(probe[12:14]),
		HashAppended: probe[23] == 1,
	}
	if info.SegmentCount == 0 || info.SegmentCount > maxSegments {
		return ImageInfo{}, &ImageError{
			Field:  "segment_count",
			Reason: fmt.Sprintf("%d outside 1..%d", info.SegmentCount, maxSegments),
		}
	}

	desc := probe[imageHeaderSize+segmentHeaderSize : ImageProbeSize]
	if magic := binary.LittleEndian.Uint32(desc[0:4]); magic != appDescMagic {
		return ImageInfo{}, &ImageError{
			Field:  "app_desc.magic",
			Reason: fmt.Sprintf("got 0x%08X, want 0x%08X", magic, appDescMagic),
		}
	}
	info.SecureVersion = binary.LittleEndian.Uint32(desc[4:8])
	info.Version = cString(desc[16:48])
	info.ProjectName = cString(desc[48:80])
	info.BuildTime = cString(desc[80:96])
	info.BuildDate = cString(desc[96:112])
	info.IDFVersion = cString(desc[112:144])
	if info.Version == "" {
		return ImageInfo{}, &ImageError{Field: "app_desc.version", Reason: "empty"}
	}
	return info, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// BuildImageHeader returns a valid ImageProbeSize-byte header for an image
// with the given descriptor fields. Used by tooling that packages images
// and by tests.
func BuildImageHeader(version, project string) []byte {
	probe := make([]byte, ImageProbeSize)
	probe[0] = imageMagic
	probe[1] = 1
	binary.LittleEndian.PutUint32(probe[4:8], 0x40080000)

	desc := probe[imageHeaderSize+segmentHeaderSize:]
	binary.LittleEndian.PutUint32(desc[0:4], appDescMagic)
	copy(desc[16:47], version)
	copy(desc[48:79], project)
	copy(desc[80:95], "00:00:00")
	copy(desc[96:111], "Jan  1 2026")
	return probe
}
