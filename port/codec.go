package port

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/vmihailenco/msgpack/v5"
	"gocv.io/x/gocv"
)

var ErrEmptyImage = errors.New("empty image")

// ImageMessage carries packed 8-bit RGB rows.
type ImageMessage struct {
	Width  int    `msgpack:"w"`
	Height int    `msgpack:"h"`
	Pixels []byte `msgpack:"px"`
}

// PartRecord is encoded as [name, x, y, confidence].
type PartRecord struct {
	_msgpack   struct{} `msgpack:",as_array"`
	Name       string
	X          float64
	Y          float64
	Confidence float64
}

type TargetMessage [][]PartRecord

// EncodeImage packs an RGB 8UC3 mat.
func EncodeImage(rgb gocv.Mat) ([]byte, error) {
	if rgb.Empty() {
		return nil, ErrEmptyImage
	}
	if rgb.Type() != gocv.MatTypeCV8UC3 {
		return nil, fmt.Errorf("encode image: unsupported mat type %v", rgb.Type())
	}
	return msgpack.Marshal(&ImageMessage{
		Width:  rgb.Cols(),
		Height: rgb.Rows(),
		Pixels: rgb.ToBytes(),
	})
}

// DecodeImage returns an RGB mat owning its pixels.
func DecodeImage(payload []byte) (gocv.Mat, error) {
	if len(payload) == 0 {
		return gocv.NewMat(), ErrEmptyImage
	}
	var msg ImageMessage
	if err := msgpack.Unmarshal(payload, &msg); err != nil {
		return gocv.NewMat(), fmt.Errorf("decode image: %w", err)
	}
	if msg.Width <= 0 || msg.Height <= 0 || len(msg.Pixels) == 0 {
		return gocv.NewMat(), ErrEmptyImage
	}
	if len(msg.Pixels) != msg.Width*msg.Height*3 {
		return gocv.NewMat(), fmt.Errorf("decode image: %d bytes for %dx%d RGB", len(msg.Pixels), msg.Width, msg.Height)
	}
	view, err := gocv.NewMatFromBytes(msg.Height, msg.Width, gocv.MatTypeCV8UC3, msg.Pixels)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("decode image: %w", err)
	}
	// the view aliases msg.Pixels, clone before it goes away
	mat := view.Clone()
	_ = view.Close()
	runtime.KeepAlive(msg.Pixels)
	return mat, nil
}

func EncodeTarget(t TargetMessage) ([]byte, error) {
	return msgpack.Marshal(t)
}

func DecodeTarget(payload []byte) (TargetMessage, error) {
	var t TargetMessage
	if err := msgpack.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("decode target: %w", err)
	}
	return t, nil
}
