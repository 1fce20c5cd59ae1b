// Package texture keeps track of image sources referenced by materials.
// A [Texture] is an opaque handle: the package never talks to the GPU,
// renderers read [Texture.RGBA] when they upload pixels.
package texture

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"reflect"
	"sync"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Texture is a handle to an image source. Handles are only created by a [Registry].
type Texture struct {
	id     uint64
	source any

	once sync.Once
	rgba *image.RGBA
	err  error
}

// ID returns the registry-unique id of the texture. IDs start at 1.
func (t *Texture) ID() uint64 { return t.id }

// Source returns the source the texture was registered with: a file path or an [image.Image].
func (t *Texture) Source() any { return t.source }

// RGBA returns the texture pixels, decoding and converting the source on first call.
func (t *Texture) RGBA() (*image.RGBA, error) {
	t.once.Do(func() {
		t.rgba, t.err = loadRGBA(t.source)
	})
	return t.rgba, t.err
}

func (t *Texture) String() string {
	if path, ok := t.source.(string); ok {
		return fmt.Sprintf("texture#%d(%s)", t.id, path)
	}
	return fmt.Sprintf("texture#%d(%T)", t.id, t.source)
}

// Registry deduplicates textures by source identity. Safe for concurrent use.
// The zero value is ready to use.
type Registry struct {
	mu       sync.Mutex
	bySource map[any]*Texture
	textures []*Texture
}

// Register returns existing if it is not nil. Otherwise it returns the texture registered for source,
// creating it if source was never registered. Sources are file paths (string) or [image.Image] values,
// which are keyed by identity so they must be comparable (pointer images such as *image.RGBA are).
func (r *Registry) Register(existing *Texture, source any) (*Texture, error) {
	if existing != nil {
		return existing, nil
	}
	switch src := source.(type) {
	case nil:
		return nil, errors.New("nil texture source")
	case *Texture:
		return src, nil
	case string:
		if src == "" {
			return nil, errors.New("empty texture path")
		}
	case image.Image:
		if !reflect.TypeOf(src).Comparable() {
			return nil, fmt.Errorf("texture source %T is not comparable", src)
		}
	default:
		return nil, fmt.Errorf("unsupported texture source %T", source)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if tex, ok := r.bySource[source]; ok {
		return tex, nil
	}
	if r.bySource == nil {
		r.bySource = make(map[any]*Texture)
	}
	tex := &Texture{id: uint64(len(r.textures) + 1), source: source}
	r.bySource[source] = tex
	r.textures = append(r.textures, tex)
	return tex, nil
}

// Len returns the amount of distinct textures registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.textures)
}

// Textures returns the registered textures in registration order.
func (r *Registry) Textures() []*Texture {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Texture(nil), r.textures...)
}

func loadRGBA(source any) (*image.RGBA, error) {
	var img image.Image
	switch src := source.(type) {
	case *image.RGBA:
		return src, nil
	case image.Image:
		img = src
	case string:
		fp, err := os.Open(src)
		if err != nil {
			return nil, err
		}
		defer fp.Close()
		img, _, err = image.Decode(fp)
		if err != nil {
			return nil, fmt.Errorf("decoding texture %s: %w", src, err)
		}
	default:
		return nil, fmt.Errorf("unsupported texture source %T", source)
	}
	bounds := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)
	return rgba, nil
}
