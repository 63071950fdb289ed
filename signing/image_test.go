package signing

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"signflow/contract"
)

func TestDecodeSignatureImage(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("pixels"))

	data, ct, err := decodeSignatureImage("data:image/jpeg;base64," + payload)
	if err != nil || string(data) != "pixels" || ct != "image/jpeg" {
		t.Fatalf("data url: got %q %q %v", data, ct, err)
	}
	data, ct, err = decodeSignatureImage(payload)
	if err != nil || string(data) != "pixels" || ct != "image/png" {
		t.Fatalf("bare base64: got %q %q %v", data, ct, err)
	}

	bad := []string{
		"",
		"data:text/plain;base64," + payload,
		"data:image/png," + payload,
		"data:image/png;base64,***",
		strings.Repeat("A", 4*(maxSignatureImageBytes/3+2)),
	}
	for i, raw := range bad {
		if _, _, err := decodeSignatureImage(raw); !errors.Is(err, contract.ErrInvalidInput) {
			t.Fatalf("case %d: expected ErrInvalidInput got %v", i, err)
		}
	}
}
