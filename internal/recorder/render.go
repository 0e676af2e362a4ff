package recorder

import (
	"image"
	"image/draw"
	"sync"

	"github.com/gogpu/gg"
	"github.com/pkg/errors"
)

// SharedContext is the renderer's share group: camera textures are looked up
// by id on whichever goroutine owns a render context created from it.
type SharedContext interface {
	Texture(id int) (image.Image, error)
}

// TextureStore is an in-memory SharedContext. The frame producer updates a
// texture, then notifies the encoder with OnFrameAvailable.
type TextureStore struct {
	mu       sync.RWMutex
	textures map[int]image.Image
}

func NewTextureStore() *TextureStore {
	return &TextureStore{textures: make(map[int]image.Image)}
}

// Update replaces the contents of texture id.
func (s *TextureStore) Update(id int, img image.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.textures[id] = img
}

func (s *TextureStore) Texture(id int) (image.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.textures[id]
	if !ok || img == nil {
		return nil, errors.Errorf("texture %d not found", id)
	}
	return img, nil
}

// IdentityTransform is the 4x4 column-major identity.
var IdentityTransform = [16]float32{
	1, 0, 0, 0,
	0, 1, 0, 0,
	0, 0, 1, 0,
	0, 0, 0, 1,
}

// RenderContext draws camera textures into the codec input surface. It is
// bound to one SharedContext and one generation; when the shared context
// changes the encoder releases it and creates a new one.
type RenderContext struct {
	shared     SharedContext
	generation uint64
	width      int
	height     int
	dc         *gg.Context
}

// NewRenderContext creates a width x height surface sampling from shared.
func NewRenderContext(shared SharedContext, width, height int, generation uint64) (*RenderContext, error) {
	if shared == nil {
		return nil, errors.New("shared context is nil")
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Wrapf(ErrInvalidDimensions, "surface %dx%d", width, height)
	}
	return &RenderContext{
		shared:     shared,
		generation: generation,
		width:      width,
		height:     height,
		dc:         gg.NewContext(width, height),
	}, nil
}

func (r *RenderContext) Generation() uint64 { return r.generation }

// Draw renders texture textureID with the texture-coordinate transform and
// returns the resulting frame.
func (r *RenderContext) Draw(textureID int, transform [16]float32) (*image.RGBA, error) {
	if r.dc == nil {
		return nil, errors.New("render context released")
	}
	tex, err := r.shared.Texture(textureID)
	if err != nil {
		return nil, errors.Wrap(ErrCorruptFrame, err.Error())
	}
	b := tex.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, errors.Wrapf(ErrCorruptFrame, "texture %d is empty", textureID)
	}

	r.dc.Identity()
	r.dc.ClearWithColor(gg.Black)
	r.dc.SetTransform(surfaceMatrix(transform, r.width, r.height))
	r.dc.DrawImageEx(gg.ImageBufFromImage(tex), gg.DrawImageOptions{
		DstWidth:      float64(r.width),
		DstHeight:     float64(r.height),
		Interpolation: gg.InterpBilinear,
		Opacity:       1.0,
		BlendMode:     gg.BlendNormal,
	})
	return toRGBA(r.dc.Image()), nil
}

// Release frees the surface. Further draws fail.
func (r *RenderContext) Release() error {
	if r.dc == nil {
		return nil
	}
	err := r.dc.Close()
	r.dc = nil
	return err
}

// surfaceMatrix converts a column-major texture transform, which works on
// normalized coordinates, into a pixel-space affine matrix for the surface.
func surfaceMatrix(m [16]float32, width, height int) gg.Matrix {
	w, h := float64(width), float64(height)
	return gg.Matrix{
		A: float64(m[0]),
		B: float64(m[4]) * w / h,
		C: float64(m[12]) * w,
		D: float64(m[1]) * h / w,
		E: float64(m[5]),
		F: float64(m[13]) * h,
	}
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}
