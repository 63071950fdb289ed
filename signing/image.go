package signing

import (
	"encoding/base64"
	"fmt"
	"strings"

	"signflow/contract"
)

const maxSignatureImageBytes = 2 << 20

// decodeSignatureImage accepts a data URL or bare base64 and returns the image
// bytes with their content type.
func decodeSignatureImage(raw string) ([]byte, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, "", fmt.Errorf("%w: signature image is required", contract.ErrInvalidInput)
	}
	contentType := "image/png"
	if rest, ok := strings.CutPrefix(raw, "data:"); ok {
		meta, payload, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(meta, ";base64") {
			return nil, "", fmt.Errorf("%w: signature image must be a base64 data url", contract.ErrInvalidInput)
		}
		if mediaType := strings.TrimSuffix(meta, ";base64"); mediaType != "" {
			contentType = mediaType
		}
		raw = payload
	}
	if !strings.HasPrefix(contentType, "image/") {
		return nil, "", fmt.Errorf("%w: unsupported signature media type %q", contract.ErrInvalidInput, contentType)
	}
	if base64.StdEncoding.DecodedLen(len(raw)) > maxSignatureImageBytes {
		return nil, "", fmt.Errorf("%w: signature image too large", contract.ErrInvalidInput)
	}

	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(raw)
	}
	if err != nil || len(data) == 0 {
		return nil, "", fmt.Errorf("%w: signature image is not valid base64", contract.ErrInvalidInput)
	}
	return data, contentType, nil
}
