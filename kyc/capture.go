package kyc

import (
	"context"
	"fmt"

	rideid "github.com/chimerakang/rideid-go"
)

// Camera is a media-capture device.
type Camera interface {
	Open(ctx context.Context) error
	Capture(ctx context.Context) (rideid.FaceImage, error)
	Close() error
}

// Capture opens cam, takes one frame, and closes cam on every path.
// A retake is another call to Capture.
func Capture(ctx context.Context, cam Camera) (img rideid.FaceImage, err error) {
	if err := cam.Open(ctx); err != nil {
		return rideid.FaceImage{}, fmt.Errorf("rideid/kyc: open camera: %w", err)
	}
	defer func() {
		if cerr := cam.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("rideid/kyc: close camera: %w", cerr)
		}
	}()

	img, err = cam.Capture(ctx)
	if err != nil {
		return rideid.FaceImage{}, fmt.Errorf("rideid/kyc: capture: %w", err)
	}
	return img, nil
}
