package scene

import "errors"

var (
	ErrUnrecognizedFileType      = errors.New("unrecognized file type")
	ErrInvalidGLB                = errors.New("invalid GLB container")
	ErrInvalidVersion            = errors.New("unsupported glTF version")
	ErrInvalidDocument           = errors.New("invalid glTF document")
	ErrIndexOutOfRange           = errors.New("index out of range")
	ErrInvalidSource             = errors.New("invalid data source")
	ErrImageFormatNotImplemented = errors.New("image format not implemented")
	ErrUnsupportedImageType      = errors.New("unsupported image type")
	ErrInvalidIndexType          = errors.New("invalid index type")
	ErrInvalidAccessor           = errors.New("invalid accessor")
	ErrUnimplemented             = errors.New("unimplemented")
	ErrNodeNotFound              = errors.New("node not found")
	ErrSceneGraphCycle           = errors.New("scene graph contains a cycle")
)
