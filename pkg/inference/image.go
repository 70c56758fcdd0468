package inference

import (
	"encoding/base64"

	"github.com/teslashibe/go-safeflow/pkg/source"
)

// frameMIMEType is the content type of every submitted frame.
const frameMIMEType = "image/jpeg"

// EncodeFrameBase64 encodes the frame's JPEG bytes for inline submission.
func EncodeFrameBase64(frame *source.Frame) string {
	return base64.StdEncoding.EncodeToString(frame.JPEG)
}
