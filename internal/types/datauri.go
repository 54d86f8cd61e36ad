package types

import (
	"encoding/base64"
	"errors"
	"net/url"
	"strings"
)

const dataURIPrefix = "data:"

func IsDataURI(ref string) bool {
	return strings.HasPrefix(strings.TrimSpace(ref), dataURIPrefix)
}

// EncodeDataURI embeds data as a base64 data URI.
func EncodeDataURI(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return dataURIPrefix + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURI returns the media type and payload of a data URI. Both
// base64 and percent-encoded payloads are accepted.
func DecodeDataURI(ref string) (string, []byte, error) {
	ref = strings.TrimSpace(ref)
	if !strings.HasPrefix(ref, dataURIPrefix) {
		return "", nil, errors.New("data uri: missing data: prefix")
	}
	meta, payload, ok := strings.Cut(ref[len(dataURIPrefix):], ",")
	if !ok {
		return "", nil, errors.New("data uri: missing comma")
	}
	isBase64 := strings.HasSuffix(meta, ";base64")
	mimeType := strings.TrimSuffix(meta, ";base64")
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	if mimeType == "" {
		mimeType = "text/plain"
	}
	if isBase64 {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
			if err != nil {
				return "", nil, errors.New("data uri: invalid base64 payload")
			}
		}
		return mimeType, data, nil
	}
	unescaped, err := url.PathUnescape(payload)
	if err != nil {
		return "", nil, errors.New("data uri: invalid escaped payload")
	}
	return mimeType, []byte(unescaped), nil
}
