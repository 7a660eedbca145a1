// Package onnx implements the analysis engine on ONNX Runtime: EXIF-aware
// decode, resize to the model's input, one inference pass, and a dominant
// color sweep over the resized pixels.
package onnx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/persimmon-app/persimmon/internal/engine"
)

const (
	// inputSize is the model's square input edge.
	inputSize = 224
	// paletteSize is how many dominant colors the payload carries.
	paletteSize = 5
)

// imagenet channel statistics used to normalize the input tensor.
var (
	meanRGB = [3]float32{0.485, 0.456, 0.406}
	stdRGB  = [3]float32{0.229, 0.224, 0.225}
)

// Config locates the model and tunes the runtime.
type Config struct {
	ModelPath  string
	OrtLibPath string // path to onnxruntime.so; "" uses the system default
	Threads    int    // intra-op threads; 0 = min(4, NumCPU)
}

// Payload is the persisted analysis result for one photo.
type Payload struct {
	Scores     []float32 `json:"scores"`
	Palette    []string  `json:"palette"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	AnalyzedAt time.Time `json:"analyzed_at"`
}

// Engine wraps one ONNX session. Not safe for concurrent use.
type Engine struct {
	session *ort.DynamicAdvancedSession
}

var _ engine.Engine = (*Engine)(nil)

// NewFactory returns a factory that builds engines from cfg. The model file
// is checked up front so a bad path fails at startup, not on the first item.
func NewFactory(cfg Config) (engine.Factory, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model not found at %s", cfg.ModelPath)
	}
	return func() (engine.Engine, error) {
		return New(cfg)
	}, nil
}

// New loads the model and creates a session.
func New(cfg Config) (*Engine, error) {
	if cfg.OrtLibPath != "" {
		ort.SetSharedLibraryPath(cfg.OrtLibPath)
	}
	// No-op if the environment is already up.
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("init ort: %w", err)
	}

	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
		if threads > 4 {
			threads = 4
		}
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()
	if err := opts.SetIntraOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("set intra threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("set inter threads: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input"}, []string{"output"}, opts)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &Engine{session: session}, nil
}

// Close destroys the session.
func (e *Engine) Close() error {
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	return nil
}

// Analyze decodes the photo, runs inference and returns the JSON payload.
// Decode failures are permanent; I/O and runtime failures are transient.
func (e *Engine) Analyze(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.Transient(fmt.Errorf("read %s: %w", path, err))
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, engine.Permanent(fmt.Errorf("decode %s: %w", path, err))
	}
	img = applyOrientation(img, orientationOf(data))

	if err := ctx.Err(); err != nil {
		return nil, engine.Transient(err)
	}

	bounds := img.Bounds()
	resized := imaging.Fill(img, inputSize, inputSize, imaging.Center, imaging.Lanczos)

	input, err := ort.NewTensor(ort.NewShape(1, 3, inputSize, inputSize), toNCHW(resized))
	if err != nil {
		return nil, engine.Transient(fmt.Errorf("input tensor: %w", err))
	}
	defer input.Destroy()

	if err := ctx.Err(); err != nil {
		return nil, engine.Transient(err)
	}

	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, engine.Transient(fmt.Errorf("ort run: %w", err))
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, engine.Permanent(fmt.Errorf("unexpected output type %T", outputs[0]))
	}
	scores := make([]float32, len(out.GetData()))
	copy(scores, out.GetData())

	payload := Payload{
		Scores:     scores,
		Palette:    dominantColors(resized, paletteSize),
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		AnalyzedAt: time.Now().UTC(),
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, engine.Permanent(fmt.Errorf("marshal payload: %w", err))
	}
	return buf, nil
}

// orientationOf extracts the EXIF orientation tag, defaulting to 1.
func orientationOf(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	if v, err := tag.Int(0); err == nil && v >= 1 && v <= 8 {
		return v
	}
	return 1
}

// applyOrientation transforms an image according to EXIF orientation value.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// toNCHW flattens an NRGBA image into a normalized 1x3xHxW float32 slice.
func toNCHW(img *image.NRGBA) []float32 {
	plane := inputSize * inputSize
	out := make([]float32, 3*plane)
	for y := 0; y < inputSize; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < inputSize; x++ {
			i := y*inputSize + x
			out[i] = (float32(row[x*4])/255 - meanRGB[0]) / stdRGB[0]
			out[plane+i] = (float32(row[x*4+1])/255 - meanRGB[1]) / stdRGB[1]
			out[2*plane+i] = (float32(row[x*4+2])/255 - meanRGB[2]) / stdRGB[2]
		}
	}
	return out
}

// dominantColors buckets pixels into a coarse RGB grid and returns the top n
// buckets as hex strings, most frequent first.
func dominantColors(img *image.NRGBA, n int) []string {
	type bucket struct {
		count   int
		r, g, b uint64
	}
	buckets := make(map[uint32]*bucket)
	for y := 0; y < inputSize; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < inputSize; x++ {
			r, g, b := row[x*4], row[x*4+1], row[x*4+2]
			// 4 bits per channel: 4096 buckets.
			key := uint32(r>>4)<<8 | uint32(g>>4)<<4 | uint32(b>>4)
			bk := buckets[key]
			if bk == nil {
				bk = &bucket{}
				buckets[key] = bk
			}
			bk.count++
			bk.r += uint64(r)
			bk.g += uint64(g)
			bk.b += uint64(b)
		}
	}

	all := make([]*bucket, 0, len(buckets))
	for _, bk := range buckets {
		all = append(all, bk)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].count > all[j].count })
	if len(all) > n {
		all = all[:n]
	}

	colors := make([]string, 0, len(all))
	for _, bk := range all {
		c := uint64(bk.count)
		colors = append(colors, fmt.Sprintf("#%02x%02x%02x", bk.r/c, bk.g/c, bk.b/c))
	}
	return colors
}
