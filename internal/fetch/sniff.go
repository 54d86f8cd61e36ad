package fetch

import (
	"bytes"
	"encoding/hex"
)

type format struct {
	mime string
	ext  string
}

// sniff identifies media by magic bytes. It returns false for anything it
// does not recognise.
func sniff(b []byte) (format, bool) {
	has := func(off int, sig string) bool {
		return len(b) >= off+len(sig) && string(b[off:off+len(sig)]) == sig
	}
	switch {
	case has(0, "\x89PNG\r\n\x1a\n"):
		return format{"image/png", ".png"}, true
	case has(0, "\xff\xd8\xff"):
		return format{"image/jpeg", ".jpg"}, true
	case has(0, "GIF87a"), has(0, "GIF89a"):
		return format{"image/gif", ".gif"}, true
	case has(0, "RIFF") && has(8, "WEBP"):
		return format{"image/webp", ".webp"}, true
	case has(0, "RIFF") && has(8, "WAVE"):
		return format{"audio/wav", ".wav"}, true
	case has(0, "RIFF") && has(8, "AVI "):
		return format{"video/x-msvideo", ".avi"}, true
	case has(0, "BM"):
		return format{"image/bmp", ".bmp"}, true
	case has(0, "II*\x00"), has(0, "MM\x00*"):
		return format{"image/tiff", ".tiff"}, true
	case has(4, "ftyp"):
		return ftypFormat(b), true
	case has(0, "\x1a\x45\xdf\xa3"):
		if bytes.Contains(b[:min(len(b), 64)], []byte("webm")) {
			return format{"video/webm", ".webm"}, true
		}
		return format{"video/x-matroska", ".mkv"}, true
	case has(0, "ID3"), len(b) >= 2 && b[0] == 0xff && b[1]&0xe0 == 0xe0:
		return format{"audio/mpeg", ".mp3"}, true
	case has(0, "OggS"):
		return format{"audio/ogg", ".ogg"}, true
	case has(0, "fLaC"):
		return format{"audio/flac", ".flac"}, true
	}
	return format{}, false
}

func ftypFormat(b []byte) format {
	brand := ""
	if len(b) >= 12 {
		brand = string(b[8:12])
	}
	switch brand {
	case "qt  ":
		return format{"video/quicktime", ".mov"}
	case "M4A ", "M4B ":
		return format{"audio/mp4", ".m4a"}
	default:
		return format{"video/mp4", ".mp4"}
	}
}

// looksLikeText reports payloads that start like markup or JSON, typically an
// HTML error page or API error served in place of the media.
func looksLikeText(b []byte) bool {
	b = bytes.TrimPrefix(b, []byte("\xef\xbb\xbf"))
	b = bytes.TrimLeft(b, " \t\r\n")
	return len(b) > 0 && (b[0] == '<' || b[0] == '{')
}

func headerHex(b []byte) string {
	return hex.EncodeToString(b[:min(len(b), 16)])
}
