package scene

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spaghettifunk/vrstream/engine/assets"
	"github.com/spaghettifunk/vrstream/engine/core"
	"github.com/spaghettifunk/vrstream/engine/math"
)

/**
 * @brief A parsed glTF asset with every buffer resolved to bytes.
 */
type gltfAsset struct {
	doc  *gltfDocument
	path string
}

type gltfFileType int

const (
	gltfFileTypeInvalid gltfFileType = iota
	gltfFileTypeGLTF
	gltfFileTypeGLB
)

func determineFileType(data []byte) gltfFileType {
	if len(data) >= 4 && binary.LittleEndian.Uint32(data) == glbMagic {
		return gltfFileTypeGLB
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n\xef\xbb\xbf")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return gltfFileTypeGLTF
	}
	return gltfFileTypeInvalid
}

// parseAsset reads a .gltf or .glb file and resolves its buffers through src.
func parseAsset(src assets.Source, path string, data []byte) (*gltfAsset, error) {
	var (
		jsonData []byte
		bin      []byte
		err      error
	)
	switch determineFileType(data) {
	case gltfFileTypeGLB:
		jsonData, bin, err = splitGLB(data)
		if err != nil {
			return nil, err
		}
	case gltfFileTypeGLTF:
		jsonData = data
	default:
		return nil, fmt.Errorf("%s: %w", path, ErrUnrecognizedFileType)
	}

	doc := &gltfDocument{}
	if err := json.Unmarshal(jsonData, doc); err != nil {
		return nil, fmt.Errorf("%s: failed to parse glTF JSON: %w", path, err)
	}
	// A missing asset member is tolerated.
	if doc.Asset.Version != "" && !strings.HasPrefix(doc.Asset.Version, "2.") {
		return nil, fmt.Errorf("%s: version %s: %w", path, doc.Asset.Version, ErrInvalidVersion)
	}

	a := &gltfAsset{doc: doc, path: path}
	if err := a.loadBuffers(src, bin); err != nil {
		return nil, err
	}
	return a, nil
}

// splitGLB returns the JSON and the optional BIN chunk of a GLB container.
func splitGLB(data []byte) ([]byte, []byte, error) {
	if len(data) < glbHeaderSize {
		return nil, nil, fmt.Errorf("file too small: %w", ErrInvalidGLB)
	}
	r := bytes.NewReader(data)

	var header glbHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}
	if header.Magic != glbMagic {
		return nil, nil, fmt.Errorf("bad magic: %w", ErrInvalidGLB)
	}
	if header.Version != glbVersion {
		return nil, nil, fmt.Errorf("version %d: %w", header.Version, ErrInvalidVersion)
	}

	var jsonData, bin []byte
	for {
		var chunk glbChunkHeader
		if err := binary.Read(r, binary.LittleEndian, &chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, nil, fmt.Errorf("failed to read chunk header: %w", ErrInvalidGLB)
		}
		if int64(chunk.Length) > int64(r.Len()) {
			return nil, nil, fmt.Errorf("chunk of %d bytes past the end of the file: %w", chunk.Length, ErrInvalidGLB)
		}
		start := len(data) - r.Len()
		body := data[start : start+int(chunk.Length)]
		if _, err := r.Seek(int64(chunk.Length), io.SeekCurrent); err != nil {
			return nil, nil, err
		}

		switch chunk.Type {
		case glbChunkJSON:
			if jsonData == nil {
				jsonData = body
			}
		case glbChunkBIN:
			if bin == nil {
				bin = body
			}
		}
	}
	if jsonData == nil {
		return nil, nil, fmt.Errorf("missing JSON chunk: %w", ErrInvalidGLB)
	}
	return jsonData, bin, nil
}

func (a *gltfAsset) loadBuffers(src assets.Source, bin []byte) error {
	for i := range a.doc.Buffers {
		buf := &a.doc.Buffers[i]

		switch {
		case buf.URI == "":
			if i != 0 || bin == nil {
				return fmt.Errorf("buffer %d: no uri and no GLB binary chunk: %w", i, ErrInvalidSource)
			}
			buf.data = bin
		default:
			data, _, err := a.loadURI(src, buf.URI)
			if err != nil {
				return fmt.Errorf("buffer %d: %w", i, err)
			}
			buf.data = data
		}

		if len(buf.data) < buf.ByteLength {
			return fmt.Errorf("buffer %d: %d bytes, expected %d: %w", i, len(buf.data), buf.ByteLength, ErrInvalidSource)
		}
	}
	return nil
}

// loadURI returns the content of a data: URI or of a file relative to the
// asset. The MIME type is only known for data: URIs.
func (a *gltfAsset) loadURI(src assets.Source, uri string) ([]byte, string, error) {
	if strings.HasPrefix(uri, "data:") {
		return decodeDataURI(uri)
	}
	path, err := src.Resolve(a.path, uri)
	if err != nil {
		return nil, "", err
	}
	data, err := src.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load %q: %w", uri, err)
	}
	return data, "", nil
}

// decodeDataURI decodes data:[<mediatype>][;base64],<data>.
func decodeDataURI(uri string) ([]byte, string, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return nil, "", fmt.Errorf("malformed data uri: %w", ErrInvalidSource)
	}
	mime, encoding, _ := strings.Cut(header, ";")
	if encoding != "base64" {
		return nil, "", fmt.Errorf("unsupported data uri encoding %q: %w", header, ErrInvalidSource)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode base64: %w", err)
	}
	return data, mime, nil
}

// bufferView returns the bytes of view i.
func (a *gltfAsset) bufferView(i int) ([]byte, error) {
	if i < 0 || i >= len(a.doc.BufferViews) {
		return nil, fmt.Errorf("buffer view %d: %w", i, ErrIndexOutOfRange)
	}
	bv := &a.doc.BufferViews[i]
	if bv.Buffer < 0 || bv.Buffer >= len(a.doc.Buffers) {
		return nil, fmt.Errorf("buffer view %d: buffer %d: %w", i, bv.Buffer, ErrIndexOutOfRange)
	}
	data := a.doc.Buffers[bv.Buffer].data
	end := bv.ByteOffset + bv.ByteLength
	if bv.ByteOffset < 0 || end > len(data) {
		return nil, fmt.Errorf("buffer view %d: bytes [%d, %d) of %d: %w", i, bv.ByteOffset, end, len(data), ErrIndexOutOfRange)
	}
	return data[bv.ByteOffset:end], nil
}

// imageData returns the encoded bytes of image i and its MIME type. The type
// is sniffed from the content when the document does not declare one.
func (a *gltfAsset) imageData(src assets.Source, i int) ([]byte, string, error) {
	img := &a.doc.Images[i]

	var (
		data []byte
		mime string
		err  error
	)
	switch {
	case img.BufferView != nil:
		data, err = a.bufferView(*img.BufferView)
		mime = img.MimeType
	case img.URI != "":
		// The declared type of a file reference is not trusted.
		data, mime, err = a.loadURI(src, img.URI)
	default:
		err = ErrInvalidSource
	}
	if err != nil {
		return nil, "", fmt.Errorf("image %d: %w", i, err)
	}
	if mime == "" {
		mime = assets.SniffMIME(data)
	}
	return data, mime, nil
}

// nodeTransform returns the local transform of node n. Matrices are
// decomposed, shear is dropped.
func nodeTransform(n *gltfNode) math.Transform {
	if n.Matrix != nil {
		return math.TransformFromMatrix(math.NewMat4FromColumns(*n.Matrix))
	}
	translation, rotation, scale := math.NewVec3Zero(), math.NewQuatIdentity(), math.NewVec3One()
	if n.Translation != nil {
		translation = math.NewVec3(n.Translation[0], n.Translation[1], n.Translation[2])
	}
	if n.Rotation != nil {
		rotation = math.Quaternion{X: n.Rotation[0], Y: n.Rotation[1], Z: n.Rotation[2], W: n.Rotation[3]}
	}
	if n.Scale != nil {
		scale = math.NewVec3(n.Scale[0], n.Scale[1], n.Scale[2])
	}
	return math.TransformFromPositionRotationScale(translation, rotation, scale)
}

func logDocument(a *gltfAsset) {
	core.LogDebug("parsed %s: %d nodes, %d meshes, %d materials, %d textures, %d images, %d buffers",
		a.path, len(a.doc.Nodes), len(a.doc.Meshes), len(a.doc.Materials), len(a.doc.Textures), len(a.doc.Images), len(a.doc.Buffers))
}
